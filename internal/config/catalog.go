package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iago/dataflow-batch/internal/domain"
)

const (
	DefaultJobName = "csv_import_v1"
	defaultJobID   = "5f0c7d8e-3a61-4b8e-9d2a-7c1b2e4f6a01"
)

type catalogFile struct {
	Jobs []catalogEntry `yaml:"jobs"`
}

type catalogEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	ChunkSize    int    `yaml:"chunk_size"`
	Reader       string `yaml:"reader"`
	Writer       string `yaml:"writer"`
	AllowRestart bool   `yaml:"allow_restart"`
	Active       *bool  `yaml:"active"`
}

// DefaultJobCatalog is used when no catalog file is configured.
func DefaultJobCatalog() []domain.JobConfig {
	cfg, _ := domain.NewJobConfig(domain.JobConfig{
		ID:           defaultJobID,
		Name:         DefaultJobName,
		Description:  "CSV import into import_records",
		ChunkSize:    500,
		Reader:       domain.ReaderCSV,
		Writer:       domain.WriterDatabase,
		AllowRestart: true,
		Active:       true,
	})
	return []domain.JobConfig{cfg}
}

// LoadJobCatalog reads job configs from a YAML file. An empty path yields
// the default catalog.
func LoadJobCatalog(path string) ([]domain.JobConfig, error) {
	if path == "" {
		return DefaultJobCatalog(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job catalog: %w", err)
	}
	defer file.Close()
	return ParseJobCatalog(file)
}

func ParseJobCatalog(r io.Reader) ([]domain.JobConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read job catalog: %w", err)
	}

	var file catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("job catalog is empty")
		}
		return nil, fmt.Errorf("decode job catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Jobs))
	configs := make([]domain.JobConfig, 0, len(file.Jobs))
	for i, entry := range file.Jobs {
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		cfg, err := domain.NewJobConfig(domain.JobConfig{
			ID:           entry.ID,
			Name:         entry.Name,
			Description:  entry.Description,
			ChunkSize:    entry.ChunkSize,
			Reader:       domain.ReaderKind(entry.Reader),
			Writer:       domain.WriterKind(entry.Writer),
			AllowRestart: entry.AllowRestart,
			Active:       active,
		})
		if err != nil {
			return nil, fmt.Errorf("job catalog entry %d: %w", i, err)
		}
		if _, dup := seen[cfg.Name]; dup {
			return nil, fmt.Errorf("job catalog: duplicate job name %q", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("job catalog has no jobs")
	}
	return configs, nil
}
