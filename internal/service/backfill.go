package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/UnknownOlympus/strata/internal/geometry"
	"github.com/UnknownOlympus/strata/internal/metrics"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
	"github.com/UnknownOlympus/strata/internal/storage"
)

// Backfill result labels.
const (
	statusSuccess = "success"
	statusFailure = "failure"
	statusSkipped = "skipped"
)

var errNoGeometry = errors.New("geometry field holds no geometry")

// Target is one geo model whose records are backfilled.
type Target struct {
	Identity  string                  // Identity of the model.
	Extractor geometry.FieldExtractor // Extractor configured from the model geo options.
	Repo      repository.Backfiller   // Repo is the adapter the model is stored through.
}

// TargetsFrom returns a target for every geo collection whose adapter can backfill.
func TargetsFrom(collections []*storage.Collection) []Target {
	targets := make([]Target, 0, len(collections))
	for _, collection := range collections {
		def := collection.Definition()
		if def.Kind != models.KindGeo {
			continue
		}
		repo, ok := collection.Adapter().(repository.Backfiller)
		if !ok {
			continue
		}
		targets = append(targets, Target{
			Identity:  def.Identity,
			Extractor: models.FeatureExtractor(&def),
			Repo:      repo,
		})
	}

	return targets
}

type job struct {
	target  Target
	pending models.PendingFeatures
}

// BackfillService periodically extracts the geometry features of records
// stored without them, such as rows written before their model became a geo
// model or imported past the model hooks.
type BackfillService struct {
	log          *slog.Logger     // Logger for logging service activities
	targets      []Target         // Geo models to backfill
	metrics      *metrics.Metrics // Metrics for tracking service performance
	numWorkers   int              // Number of concurrent workers for processing
	pollInterval time.Duration    // Interval between backfill runs
	batchSize    int              // Records loaded per model and run
}

// NewBackfillService creates a new instance of BackfillService.
func NewBackfillService(
	log *slog.Logger,
	targets []Target,
	metrics *metrics.Metrics,
	numWorkers int,
	pollInterval time.Duration,
	batchSize int,
) *BackfillService {
	return &BackfillService{
		log:          log,
		targets:      targets,
		metrics:      metrics,
		numWorkers:   max(numWorkers, 1),
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run starts the backfill service, which periodically polls for records to
// process. It listens for a cancellation signal from the context to gracefully
// stop the service.
func (bs *BackfillService) Run(ctx context.Context) {
	ticker := time.NewTicker(bs.pollInterval)
	defer ticker.Stop()

	bs.log.InfoContext(ctx, "Backfill service started...", "models", len(bs.targets))

	for {
		select {
		case <-ctx.Done():
			bs.log.InfoContext(ctx, "Backfill service stopped.")
			return
		case <-ticker.C:
			bs.log.InfoContext(ctx, "Polling for records without features...")
			bs.processBatch(ctx)
		}
	}
}

// processBatch loads the pending records of every target and hands them to a
// worker pool. Targets that fail to load are logged and skipped.
func (bs *BackfillService) processBatch(ctx context.Context) {
	var batch []job
	for _, target := range bs.targets {
		pending, err := target.Repo.FetchPendingFeatures(
			ctx, target.Identity, target.Extractor.GeometryField, target.Extractor.FeatureField, bs.batchSize,
		)
		if err != nil {
			bs.log.ErrorContext(ctx, "Failed to fetch pending records", "model", target.Identity, "error", err)
			continue
		}
		for _, record := range pending {
			batch = append(batch, job{target: target, pending: record})
		}
	}

	if len(batch) == 0 {
		bs.log.InfoContext(ctx, "No records to process.")
		return
	}

	bs.log.InfoContext(ctx, "Found records to process. Starting worker pool.",
		"jobs", len(batch),
		"num_workers", bs.numWorkers,
	)

	jobs := make(chan job, len(batch))
	var wgr sync.WaitGroup

	for i := 1; i <= bs.numWorkers; i++ {
		wgr.Add(1)
		go bs.worker(ctx, i, &wgr, jobs)
	}

	for _, j := range batch {
		jobs <- j
	}
	close(jobs)

	wgr.Wait()
	bs.log.InfoContext(ctx, "Processing batch finished")
}

// worker extracts the features of each received record and writes them back.
// Records whose geometry cannot be normalized are marked failed so they are
// not picked up again.
func (bs *BackfillService) worker(ctx context.Context, idx int, wg *sync.WaitGroup, jobs <-chan job) {
	defer wg.Done()
	for j := range jobs {
		bs.metrics.ActiveWorkers.Inc()
		bs.process(ctx, idx, j)
		bs.metrics.ActiveWorkers.Dec()
	}
}

func (bs *BackfillService) process(ctx context.Context, idx int, j job) {
	identity, id := j.target.Identity, j.pending.ID
	bs.log.DebugContext(ctx, "Processing record", "worker", idx, "model", identity, "id", id)

	values := map[string]any(j.pending.Values)
	if values == nil {
		values = map[string]any{}
	}
	changed, err := j.target.Extractor.Apply(values)
	if err == nil && !changed {
		bs.metrics.BackfillProcessed.WithLabelValues(statusSkipped).Inc()
		err = errNoGeometry
	} else if err != nil {
		bs.metrics.BackfillProcessed.WithLabelValues(statusFailure).Inc()
	}

	if err != nil {
		bs.log.ErrorContext(ctx, "Failed to extract features", "worker", idx, "model", identity, "id", id, "error", err)
		if err = j.target.Repo.MarkFeaturesFailed(ctx, identity, id, err.Error()); err != nil {
			bs.log.ErrorContext(ctx, "Could not mark record as failed",
				"worker", idx,
				"model", identity,
				"id", id,
				"error", err,
			)
		}
		return
	}

	field := j.target.Extractor.FeatureField
	if err = j.target.Repo.UpdateFeatures(ctx, identity, id, field, values[field]); err != nil {
		bs.metrics.BackfillProcessed.WithLabelValues(statusFailure).Inc()
		bs.log.ErrorContext(ctx, "Failed to update features of record",
			"worker", idx,
			"model", identity,
			"id", id,
			"error", err,
		)
		return
	}

	bs.metrics.BackfillProcessed.WithLabelValues(statusSuccess).Inc()
	bs.log.DebugContext(ctx, "Worker successfully processed the record", "worker", idx, "model", identity, "id", id)
}
