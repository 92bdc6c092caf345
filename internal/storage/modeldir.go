package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// modelFilePattern matches the model files of a directory, not its subdirectories.
const modelFilePattern = "*.{yaml,yml,json}"

// ModelDir registers every model file found directly in dir and returns the
// identities it registered. A missing directory registers nothing. Editor
// backups such as parcel.yaml~ do not match the pattern and are never read. A
// model without identity is named after its file.
// Models registered earlier under the same identity are kept.
func (s *Storage) ModelDir(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("Models directory not found", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to access models directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("models path %q is not a directory", dir)
	}

	files, err := doublestar.FilepathGlob(filepath.Join(dir, modelFilePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list models in %q: %w", dir, err)
	}
	slices.Sort(files)

	identities := make([]string, 0, len(files))
	for _, file := range files {
		def, err := ReadModelFile(file)
		if err != nil {
			return nil, err
		}

		if err = s.Model(def); err != nil {
			if errors.Is(err, ErrModelExists) {
				continue
			}
			return nil, fmt.Errorf("failed to register model from %q: %w", file, err)
		}
		identities = append(identities, def.Identity)
	}

	return identities, nil
}

// ReadModelFile decodes a YAML or JSON model definition.
func ReadModelFile(path string) (models.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Definition{}, fmt.Errorf("failed to read model file %q: %w", path, err)
	}

	var def models.Definition
	if err = yaml.Unmarshal(raw, &def); err != nil {
		return models.Definition{}, fmt.Errorf("failed to decode model file %q: %w", path, err)
	}

	if def.Identity == "" {
		base := filepath.Base(path)
		def.Identity = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return def, nil
}
