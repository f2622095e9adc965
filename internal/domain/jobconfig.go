package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ReaderKind string

const (
	ReaderCSV  ReaderKind = "CSV"
	ReaderJDBC ReaderKind = "JDBC"
	ReaderJSON ReaderKind = "JSON"
)

type WriterKind string

const (
	WriterDatabase WriterKind = "DATABASE"
	WriterFlatFile WriterKind = "FLAT_FILE"
	WriterNoOp     WriterKind = "NO_OP"
)

const DefaultJobChunkSize = 1000

var (
	ErrUnknownJob  = errors.New("unknown job")
	ErrJobInactive  = errors.New("job is inactive")
)

// JobConfig is a named, immutable template for a run. Two configs are the
// same config when their IDs match.
type JobConfig struct {
	ID           string
	Name         string
	Description  string
	ChunkSize    int
	Reader       ReaderKind
	Writer       WriterKind
	AllowRestart bool
	Active       bool
	CreatedAt    time.Time
}

// NewJobConfig fills the catalog defaults and validates the result.
func NewJobConfig(c JobConfig) (JobConfig, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return JobConfig{}, fmt.Errorf("job config: name is required")
	}
	if strings.TrimSpace(c.ID) == "" {
		return JobConfig{}, fmt.Errorf("job config %s: id is required", c.Name)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultJobChunkSize
	}
	if c.ChunkSize < 1 {
		return JobConfig{}, fmt.Errorf("job config %s: chunk size must be >= 1", c.Name)
	}
	if c.Reader == "" {
		c.Reader = ReaderCSV
	}
	if c.Writer == "" {
		c.Writer = WriterNoOp
	}
	switch c.Reader {
	case ReaderCSV, ReaderJDBC, ReaderJSON:
	default:
		return JobConfig{}, fmt.Errorf("job config %s: unknown reader kind %q", c.Name, c.Reader)
	}
	switch c.Writer {
	case WriterDatabase, WriterFlatFile, WriterNoOp:
	default:
		return JobConfig{}, fmt.Errorf("job config %s: unknown writer kind %q", c.Name, c.Writer)
	}
	return c, nil
}

func (c JobConfig) Equal(other JobConfig) bool {
	return c.ID == other.ID
}
