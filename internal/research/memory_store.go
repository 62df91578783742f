package research

import (
	"context"
	"sync"
)

// InMemoryReportStore implements ReportStore without persistence. Reports
// are lost on restart. Used when no database is configured.
type InMemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string]*Report
	order   []string
}

// NewInMemoryReportStore creates an ephemeral report store.
func NewInMemoryReportStore() *InMemoryReportStore {
	return &InMemoryReportStore{reports: make(map[string]*Report)}
}

func (s *InMemoryReportStore) Save(_ context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reports[report.SessionID]; !exists {
		s.order = append(s.order, report.SessionID)
	}
	cp := *report
	s.reports[report.SessionID] = &cp
	return nil
}

func (s *InMemoryReportStore) Get(_ context.Context, sessionID string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[sessionID]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *report
	return &cp, nil
}

func (s *InMemoryReportStore) List(_ context.Context, limit int) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Report, 0, n)
	// Newest first.
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		if report, ok := s.reports[s.order[i]]; ok {
			cp := *report
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ ReportStore = (*InMemoryReportStore)(nil)
