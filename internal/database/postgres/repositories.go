package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles share history persistence.
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository.
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a submitted share and its verdict.
func (r *ShareRepository) CreateShare(ctx context.Context, share *ShareRecord) error {
	query := `
		INSERT INTO shares (height, nonce_hex, pow_hash, header_hex, status, message, found_at, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.Height, share.NonceHex, share.PowHash, share.HeaderHex,
		share.Status, share.Message, share.FoundAt, share.SubmittedAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetRecentShares retrieves recent shares with pagination, newest first.
func (r *ShareRepository) GetRecentShares(ctx context.Context, limit, offset int) ([]*ShareRecord, error) {
	query := `
		SELECT id, height, nonce_hex, pow_hash, header_hex, status, message, found_at, submitted_at
		FROM shares
		ORDER BY submitted_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var shares []*ShareRecord
	for rows.Next() {
		share := &ShareRecord{}
		err := rows.Scan(
			&share.ID, &share.Height, &share.NonceHex, &share.PowHash,
			&share.HeaderHex, &share.Status, &share.Message,
			&share.FoundAt, &share.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// CountByStatus returns share counts per verdict since a cutoff.
func (r *ShareRepository) CountByStatus(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM shares
		WHERE submitted_at >= $1
		GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan share count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share counts: %w", err)
	}
	return counts, nil
}

// TemplateRepository persists adopted work templates.
type TemplateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// CreateTemplate inserts an adopted template record.
func (r *TemplateRepository) CreateTemplate(ctx context.Context, tmpl *TemplateRecord) error {
	query := `
		INSERT INTO templates (height, prev_hash, reason, adopted_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		tmpl.Height, tmpl.PrevHash, tmpl.Reason, tmpl.AdoptedAt,
	).Scan(&tmpl.ID)

	if err != nil {
		return fmt.Errorf("failed to create template record: %w", err)
	}
	return nil
}

// GetRecentTemplates retrieves recent adopted templates, newest first.
func (r *TemplateRepository) GetRecentTemplates(ctx context.Context, limit int) ([]*TemplateRecord, error) {
	query := `
		SELECT id, height, prev_hash, reason, adopted_at
		FROM templates
		ORDER BY adopted_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var templates []*TemplateRecord
	for rows.Next() {
		tmpl := &TemplateRecord{}
		err := rows.Scan(&tmpl.ID, &tmpl.Height, &tmpl.PrevHash,
			&tmpl.Reason, &tmpl.AdoptedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}
