// Package sqlite implements planstore.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/planstore"
)

// Store implements planstore.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ planstore.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS plan_steps (
		plan_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'not_started',
		note TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (plan_id, idx),
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Create(ctx context.Context, plan *domain.Plan) error {
	plan.Normalize()
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plans (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		plan.ID, plan.Title, plan.CreatedAt, plan.UpdatedAt,
	); err != nil {
		return err
	}
	if err := insertSteps(ctx, tx, plan); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Plan, error) {
	plan := &domain.Plan{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM plans WHERE id = ?`, id,
	).Scan(&plan.ID, &plan.Title, &plan.CreatedAt, &plan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", planstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT text, status, note FROM plan_steps WHERE plan_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var text, note string
		var status domain.StepStatus
		if err := rows.Scan(&text, &status, &note); err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, text)
		plan.StepStatuses = append(plan.StepStatuses, status)
		plan.StepNotes = append(plan.StepNotes, note)
	}
	return plan, rows.Err()
}

func (s *Store) List(ctx context.Context) ([]domain.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var plans []domain.Plan
	for _, id := range ids {
		plan, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, nil
}

func (s *Store) Update(ctx context.Context, plan *domain.Plan) error {
	plan.Normalize()
	plan.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE plans SET title=?, updated_at=? WHERE id=?`,
		plan.Title, plan.UpdatedAt, plan.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", planstore.ErrNotFound, plan.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_steps WHERE plan_id=?`, plan.ID); err != nil {
		return err
	}
	if err := insertSteps(ctx, tx, plan); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateStepStatus(ctx context.Context, planID string, stepIndex int, status domain.StepStatus, note string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE plan_steps SET status=?, note=? WHERE plan_id=? AND idx=?`,
		status, note, planID, stepIndex,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s step %d", planstore.ErrNotFound, planID, stepIndex)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE plans SET updated_at=? WHERE id=?`, time.Now().UTC(), planID)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", planstore.ErrNotFound, id)
	}
	return nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, plan *domain.Plan) error {
	for i, text := range plan.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_steps (plan_id, idx, text, status, note) VALUES (?, ?, ?, ?, ?)`,
			plan.ID, i, text, plan.StepStatuses[i], plan.StepNotes[i],
		); err != nil {
			return err
		}
	}
	return nil
}
