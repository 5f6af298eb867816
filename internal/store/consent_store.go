package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ConsentStore records that a LINE user accepted the personal-data consent
// popup. Registration reads it instead of trusting the submitted checkbox.
type ConsentStore struct {
	db *sql.DB
}

func NewConsentStore(db *sql.DB) *ConsentStore {
	return &ConsentStore{db: db}
}

func (s *ConsentStore) Accept(ctx context.Context, lineID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO registration_consents (line_id) VALUES (?)
		ON CONFLICT(line_id) DO UPDATE SET accepted_at = datetime('now')
	`, lineID); err != nil {
		return fmt.Errorf("failed to record consent: %w", err)
	}
	return nil
}

func (s *ConsentStore) HasAccepted(ctx context.Context, lineID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM registration_consents WHERE line_id = ?
	`, lineID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check consent: %w", err)
	}
	return n > 0, nil
}

// Clear forgets the consent once registration has been handed to the backend.
func (s *ConsentStore) Clear(ctx context.Context, lineID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM registration_consents WHERE line_id = ?
	`, lineID); err != nil {
		return fmt.Errorf("failed to clear consent: %w", err)
	}
	return nil
}
