package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/research"
	"github.com/jkaninda/malipo/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	sessions ledger.Store
	reports  research.ReportStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying GORM DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Sessions() ledger.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = NewLedgerRepository(s.pgDB.GormDB())
	}
	return s.sessions
}

func (s *Store) Reports() research.ReportStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports == nil {
		s.reports = NewReportRepository(s.pgDB.GormDB())
	}
	return s.reports
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
