package domain

import (
	"context"
)

// RecordReader is the read side of the record store consumed by the lineage
// resolver, the exception detector and reporting.
type RecordReader interface {
	Sample(id string) (Sample, error)
	Pool(id string) (Pool, error)
	Samples() []Sample
	Pools() []Pool
	MembersOf(poolID string) ([]string, error)
	PoolOf(sampleID string) (string, error)
	TestFor(kind SubjectKind, subjectID string) (Test, error)
	PoolTests() []Test
	Generation() uint64
}

// RecordWriter is the append-only write side of the record store.
type RecordWriter interface {
	AddSample(sample Sample) error
	AddPool(pool Pool) error
	AddMembership(membership PoolMembership) error
	AddTest(test Test) error
}

// RecordStore combines the read and write sides.
type RecordStore interface {
	RecordReader
	RecordWriter
}

// Repository persists and restores the record set.
type Repository interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Validate() error
	IsProduction() bool
	IsDevelopment() bool
}
