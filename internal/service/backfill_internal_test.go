package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/UnknownOlympus/strata/internal/app"
	"github.com/UnknownOlympus/strata/internal/metrics"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
	"github.com/UnknownOlympus/strata/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type backfillerMock struct {
	mock.Mock
}

func (m *backfillerMock) FetchPendingFeatures(
	ctx context.Context, identity, geometryField, featureField string, limit int,
) ([]models.PendingFeatures, error) {
	args := m.Called(ctx, identity, geometryField, featureField, limit)
	pending, _ := args.Get(0).([]models.PendingFeatures)
	return pending, args.Error(1)
}

func (m *backfillerMock) UpdateFeatures(ctx context.Context, identity, id, featureField string, features any) error {
	return m.Called(ctx, identity, id, featureField, features).Error(0)
}

func (m *backfillerMock) MarkFeaturesFailed(ctx context.Context, identity, id, errMsg string) error {
	return m.Called(ctx, identity, id, errMsg).Error(0)
}

const pointGeoJSON = `{"type":"Feature","geometry":{"type":"Point","coordinates":[30.52,50.45]}}`

func newTarget(repo repository.Backfiller) Target {
	def := models.GeoModel(models.Definition{Identity: "parcel"})

	return Target{Identity: "parcel", Extractor: models.FeatureExtractor(&def), Repo: repo}
}

func TestProcessBatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := t.Context()
	point := map[string]any{"type": "Point", "coordinates": []any{30.52, 50.45}}

	newService := func(repo *backfillerMock) (*BackfillService, *metrics.Metrics) {
		appMetrics := metrics.NewMetrics(prometheus.NewRegistry())
		return NewBackfillService(logger, []Target{newTarget(repo)}, appMetrics, 2, time.Second, 100), appMetrics
	}

	t.Run("successfull processing", func(t *testing.T) {
		repo := &backfillerMock{}
		service, appMetrics := newService(repo)
		pending := []models.PendingFeatures{{ID: "a", Values: models.Record{"geo": pointGeoJSON}}}

		repo.On("FetchPendingFeatures", ctx, "parcel", "geo", "geoFeatures", 100).Return(pending, nil).Once()
		repo.On("UpdateFeatures", ctx, "parcel", "a", "geoFeatures", []any{point}).Return(nil).Once()

		service.processBatch(ctx)

		repo.AssertExpectations(t)
		assert.InDelta(t, 1, testutil.ToFloat64(appMetrics.BackfillProcessed.WithLabelValues(statusSuccess)), 0)
		assert.InDelta(t, 0, testutil.ToFloat64(appMetrics.ActiveWorkers), 0)
	})

	t.Run("fetch pending returns error", func(t *testing.T) {
		repo := &backfillerMock{}
		service, _ := newService(repo)

		repo.On("FetchPendingFeatures", ctx, "parcel", "geo", "geoFeatures", 100).Return(nil, assert.AnError).Once()

		service.processBatch(ctx)

		repo.AssertExpectations(t)
	})

	t.Run("fetch pending returns empty list", func(t *testing.T) {
		repo := &backfillerMock{}
		service, _ := newService(repo)

		repo.On("FetchPendingFeatures", ctx, "parcel", "geo", "geoFeatures", 100).
			Return([]models.PendingFeatures{}, nil).Once()

		service.processBatch(ctx)

		repo.AssertExpectations(t)
	})

	t.Run("malformed geometry is marked failed", func(t *testing.T) {
		repo := &backfillerMock{}
		service, appMetrics := newService(repo)
		pending := []models.PendingFeatures{{ID: "b", Values: models.Record{"geo": "{broken"}}}

		repo.On("FetchPendingFeatures", ctx, "parcel", "geo", "geoFeatures", 100).Return(pending, nil).Once()
		repo.On("MarkFeaturesFailed", ctx, "parcel", "b", mock.MatchedBy(func(msg string) bool {
			return msg != ""
		})).Return(nil).Once()

		service.processBatch(ctx)

		repo.AssertExpectations(t)
		assert.InDelta(t, 1, testutil.ToFloat64(appMetrics.BackfillProcessed.WithLabelValues(statusFailure)), 0)
	})

	t.Run("empty geometry is skipped", func(t *testing.T) {
		repo := &backfillerMock{}
		service, appMetrics := newService(repo)
		pending := []models.PendingFeatures{{ID: "c", Values: models.Record{"geo": false}}}

		repo.On("FetchPendingFeatures", ctx, "parcel", "geo", "geoFeatures", 100).Return(pending, nil).Once()
		repo.On("MarkFeaturesFailed", ctx, "parcel", "c", errNoGeometry.Error()).Return(assert.AnError).Once()

		service.processBatch(ctx)

		repo.AssertExpectations(t)
		assert.InDelta(t, 1, testutil.ToFloat64(appMetrics.BackfillProcessed.WithLabelValues(statusSkipped)), 0)
	})

	t.Run("error to update features", func(t *testing.T) {
		repo := &backfillerMock{}
		service, appMetrics := newService(repo)
		pending := []models.PendingFeatures{{ID: "a", Values: models.Record{"geo": pointGeoJSON}}}

		repo.On("FetchPendingFeatures", ctx, "parcel", "geo", "geoFeatures", 100).Return(pending, nil).Once()
		repo.On("UpdateFeatures", ctx, "parcel", "a", "geoFeatures", mock.Anything).
			Return(errors.New("connection reset")).Once()

		service.processBatch(ctx)

		repo.AssertExpectations(t)
		assert.InDelta(t, 1, testutil.ToFloat64(appMetrics.BackfillProcessed.WithLabelValues(statusFailure)), 0)
	})

	t.Run("start context cancelled", func(t *testing.T) {
		service, _ := newService(&backfillerMock{})
		tctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()

		service.Run(tctx)
	})
}

func TestTargetsFrom(t *testing.T) {
	host := app.New(slog.Default())
	store, err := storage.New(host, storage.Config{ModelsDir: t.TempDir()}, slog.Default(),
		metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, store.Model(models.Definition{
		Identity: "parcel",
		Kind:     models.KindGeo,
		Geo:      &models.GeoOptions{GeometryField: "shape", Single: true},
	}))
	require.NoError(t, store.Model(models.Definition{Identity: "user"}))
	require.NoError(t, store.Model(models.Definition{Identity: "stop", Kind: models.KindPoint}))
	require.NoError(t, host.Launch(t.Context()))
	t.Cleanup(func() { _ = host.Stop(context.Background()) })

	targets := TargetsFrom(store.Collections())

	require.Len(t, targets, 1)
	assert.Equal(t, "parcel", targets[0].Identity)
	assert.Equal(t, "shape", targets[0].Extractor.GeometryField)
	assert.Equal(t, "geoFeatures", targets[0].Extractor.FeatureField)
	assert.True(t, targets[0].Extractor.Single)
	assert.IsType(t, &repository.Memory{}, targets[0].Repo)
}

func TestBackfill_Memory(t *testing.T) {
	ctx := t.Context()
	repo := repository.NewMemory(slog.Default())
	def := models.GeoModel(models.Definition{Identity: "parcel"})
	require.NoError(t, repo.Define(ctx, def, repository.MigrateAlter))
	created, err := repo.Create(ctx, "parcel", models.Record{"geo": pointGeoJSON})
	require.NoError(t, err)

	service := NewBackfillService(slog.Default(), []Target{newTarget(repo)},
		metrics.NewMetrics(prometheus.NewRegistry()), 1, time.Second, 10)
	service.processBatch(ctx)

	stored, err := repo.Find(ctx, "parcel", repository.Criteria{"id": created.ID()})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []any{map[string]any{"type": "Point", "coordinates": []any{30.52, 50.45}}}, stored[0]["geoFeatures"])

	pending, err := repo.FetchPendingFeatures(ctx, "parcel", "geo", "geoFeatures", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
