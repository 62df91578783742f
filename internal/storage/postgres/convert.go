package postgres

import (
	"github.com/jkaninda/malipo/internal/ledger"
)

func sessionToDomain(m *SessionModel) *ledger.Session {
	return &ledger.Session{
		ID:        m.ID,
		PayerID:   m.PayerID,
		LockedUSD: m.LockedUSD,
		SpentUSD:  m.SpentUSD,
		StepCount: m.StepCount,
		Settled:   m.Settled,
		CreatedAt: m.CreatedAt,
		SettledAt: m.SettledAt,
	}
}

func holdToDomain(m *HoldModel) *ledger.Authorization {
	return &ledger.Authorization{
		SessionID:         m.SessionID,
		StepID:            m.StepID,
		AmountUSD:         m.AmountUSD,
		State:             ledger.AuthorizationState(m.State),
		Reference:         m.Reference,
		ResolvedReference: m.ResolvedReference,
		CreatedAt:         m.CreatedAt,
		ResolvedAt:        m.ResolvedAt,
	}
}
