package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/malipo/internal/research"
)

// ReportRepository implements research.ReportStore with PostgreSQL.
// Reports are immutable once written; Save upserts so a re-run of the
// same session replaces its report instead of failing.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) Save(ctx context.Context, report *research.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	m := ReportModel{
		SessionID: report.SessionID,
		Query:     report.Query,
		Status:    report.Status,
		Payload:   JSONB(payload),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

func (r *ReportRepository) Get(ctx context.Context, sessionID string) (*research.Report, error) {
	var m ReportModel
	err := r.db.WithContext(ctx).First(&m, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", research.ErrReportNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up report: %w", err)
	}
	return decodeReport(&m)
}

func (r *ReportRepository) List(ctx context.Context, limit int) ([]*research.Report, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []ReportModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	reports := make([]*research.Report, 0, len(models))
	for i := range models {
		report, err := decodeReport(&models[i])
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func decodeReport(m *ReportModel) (*research.Report, error) {
	var report research.Report
	if err := json.Unmarshal([]byte(m.Payload), &report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", m.SessionID, err)
	}
	return &report, nil
}

// compile-time interface check
var _ research.ReportStore = (*ReportRepository)(nil)
