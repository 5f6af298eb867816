package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
)

// sqliteTimeLayout matches the text written by datetime('now').
const sqliteTimeLayout = "2006-01-02 15:04:05"

var (
	ErrDraftNotFound = errors.New("assessment draft not found")
	ErrRowNotFound   = errors.New("damage row not found")
	ErrRowLimit      = errors.New("too many rows")
	ErrLastRow       = errors.New("cannot remove the last row")
)

// DraftStore persists assessment drafts and their damage rows.
type DraftStore struct {
	db *sql.DB
}

func NewDraftStore(db *sql.DB) *DraftStore {
	return &DraftStore{db: db}
}

// GetOrCreate returns the draft of lineID, creating it with one empty row
// when it does not exist yet.
func (s *DraftStore) GetOrCreate(ctx context.Context, lineID string) (*domain.AssessmentDraft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO assessment_drafts (line_id) VALUES (?)
	`, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if created > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO damage_rows (id, line_id, position) VALUES (?, ?, 0)
		`, uuid.NewString(), lineID); err != nil {
			return nil, fmt.Errorf("failed to create first row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit draft: %w", err)
	}
	return s.Get(ctx, lineID)
}

// Get returns the draft of lineID, or nil when there is none.
func (s *DraftStore) Get(ctx context.Context, lineID string) (*domain.AssessmentDraft, error) {
	draft := &domain.AssessmentDraft{LineID: lineID}
	err := s.db.QueryRowContext(ctx, `
		SELECT license_plate, updated_at FROM assessment_drafts WHERE line_id = ?
	`, lineID).Scan(&draft.LicensePlate, &draft.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, part_type, storage_key, mime_type FROM damage_rows
		WHERE line_id = ? ORDER BY position ASC
	`, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := &domain.DamageRow{}
		if err := rows.Scan(&row.ID, &row.Position, &row.PartType, &row.StorageKey, &row.MimeType); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		draft.Rows = append(draft.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return draft, nil
}

func (s *DraftStore) SetVehicle(ctx context.Context, lineID, licensePlate string) error {
	return s.execOne(ctx, ErrDraftNotFound, `
		UPDATE assessment_drafts SET license_plate = ?, updated_at = datetime('now') WHERE line_id = ?
	`, licensePlate, lineID)
}

// AddRow appends an empty row after the last one. A draft that already holds
// maxRows rows is left alone and ErrRowLimit is returned.
func (s *DraftStore) AddRow(ctx context.Context, lineID string, maxRows int) (*domain.DamageRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	row := &domain.DamageRow{ID: uuid.NewString()}
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(position), -1) + 1 FROM damage_rows WHERE line_id = ?
	`, lineID).Scan(&count, &row.Position)
	if err != nil {
		return nil, fmt.Errorf("failed to get next position: %w", err)
	}
	if count >= maxRows {
		return nil, ErrRowLimit
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO damage_rows (id, line_id, position) VALUES (?, ?, ?)
	`, row.ID, lineID, row.Position); err != nil {
		return nil, fmt.Errorf("failed to add row: %w", err)
	}
	if err := touchTx(ctx, tx, lineID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit row: %w", err)
	}
	return row, nil
}

func (s *DraftStore) SetRowPart(ctx context.Context, lineID, rowID, partType string) error {
	if err := s.execOne(ctx, ErrRowNotFound, `
		UPDATE damage_rows SET part_type = ? WHERE id = ? AND line_id = ?
	`, partType, rowID, lineID); err != nil {
		return err
	}
	s.touch(ctx, lineID)
	return nil
}

// SetRowImage points the row at a staged image and returns the key it
// replaced, or "" when the row had no image. Empty values clear the image.
func (s *DraftStore) SetRowImage(ctx context.Context, lineID, rowID, storageKey, mimeType string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous string
	err = tx.QueryRowContext(ctx, `
		SELECT storage_key FROM damage_rows WHERE id = ? AND line_id = ?
	`, rowID, lineID).Scan(&previous)
	if err == sql.ErrNoRows {
		return "", ErrRowNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get row image: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE damage_rows SET storage_key = ?, mime_type = ? WHERE id = ? AND line_id = ?
	`, storageKey, mimeType, rowID, lineID); err != nil {
		return "", fmt.Errorf("failed to set row image: %w", err)
	}
	if err := touchTx(ctx, tx, lineID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit row image: %w", err)
	}
	return previous, nil
}

// DeleteRow removes a row and returns the key of its staged image. The last
// row of a draft is kept and ErrLastRow is returned.
func (s *DraftStore) DeleteRow(ctx context.Context, lineID, rowID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var key string
	err = tx.QueryRowContext(ctx, `
		SELECT storage_key FROM damage_rows WHERE id = ? AND line_id = ?
	`, rowID, lineID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrRowNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get row: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM damage_rows WHERE line_id = ?
	`, lineID).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count rows: %w", err)
	}
	if count <= 1 {
		return "", ErrLastRow
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM damage_rows WHERE id = ? AND line_id = ?
	`, rowID, lineID); err != nil {
		return "", fmt.Errorf("failed to delete row: %w", err)
	}
	if err := touchTx(ctx, tx, lineID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit row delete: %w", err)
	}
	return key, nil
}

// Delete removes the draft and all its rows.
func (s *DraftStore) Delete(ctx context.Context, lineID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM assessment_drafts WHERE line_id = ?
	`, lineID); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// StaleLineIDs lists the users whose draft was last changed before cutoff.
func (s *DraftStore) StaleLineIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT line_id FROM assessment_drafts WHERE updated_at < ? ORDER BY updated_at ASC
	`, cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale drafts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale draft: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// execOne runs a statement that must affect exactly one row.
func (s *DraftStore) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *DraftStore) touch(ctx context.Context, lineID string) {
	_, _ = s.db.ExecContext(ctx, `
		UPDATE assessment_drafts SET updated_at = datetime('now') WHERE line_id = ?
	`, lineID)
}

func touchTx(ctx context.Context, tx *sql.Tx, lineID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE assessment_drafts SET updated_at = datetime('now') WHERE line_id = ?
	`, lineID); err != nil {
		return fmt.Errorf("failed to touch draft: %w", err)
	}
	return nil
}
