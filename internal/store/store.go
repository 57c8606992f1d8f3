// Package store keeps the history of executed batches in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Batch struct {
	UUID          string
	Slot          string
	User          string
	Started       time.Time
	Finished      *time.Time
	InProgress    bool
	Success       *bool
	JobsOK        int
	JobsErr       int
	FailureReason *string
}

type BatchRow struct {
	Batch
	ID int
}

func (b BatchRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, slot: %q, user: %q, in_progress: %t", b.UUID, b.Slot, b.User, b.InProgress))
	if b.Success != nil {
		sb.WriteString(fmt.Sprintf(", success: %t", *b.Success))
	} else {
		sb.WriteString(", success: nil")
	}
	sb.WriteString(fmt.Sprintf(", jobs_ok: %d, jobs_err: %d", b.JobsOK, b.JobsErr))
	if b.FailureReason != nil {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", *b.FailureReason))
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	return sb.String()
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			slot TEXT NOT NULL,
			user_id TEXT NOT NULL,
			started TEXT NOT NULL,
			finished TEXT DEFAULT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			jobs_ok INTEGER NOT NULL DEFAULT 0,
			jobs_err INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start records that the batch identified by 'uuid' is in progress.
// If it is still in progress, no error is returned,
// if it has already finished ErrAlreadyFinished is returned.
func (s *Store) Start(ctx context.Context, uuid, slot, user string, started time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM batches WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (uuid, slot, user_id, started, in_progress) VALUES (?,?,?,?,?);`,
		uuid, slot, user, formatTime(started), true,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// FinishOK records that the batch finished and every job succeeded.
func (s *Store) FinishOK(ctx context.Context, uuid string, jobsOK int, finished time.Time) error {
	return s.finish(ctx, uuid, true, nil, jobsOK, 0, finished)
}

// FinishErr records that the batch failed, either as a whole with reason or
// because jobsErr of its jobs failed.
func (s *Store) FinishErr(ctx context.Context, uuid, reason string, jobsOK, jobsErr int, finished time.Time) error {
	return s.finish(ctx, uuid, false, &reason, jobsOK, jobsErr, finished)
}

func (s *Store) finish(ctx context.Context, uuid string, success bool, reason *string, jobsOK, jobsErr int, finished time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM batches WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE batches
		 SET
			in_progress = false,
			success = ?,
			failure_reason = ?,
			jobs_ok = ?,
			jobs_err = ?,
			finished = ?
		WHERE uuid = ?;
		`, success, reason, jobsOK, jobsErr, formatTime(finished), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const selectBatch = `SELECT id, uuid, slot, user_id, started, finished, in_progress, success, jobs_ok, jobs_err, failure_reason FROM batches`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (BatchRow, error) {
	var (
		b        BatchRow
		started  string
		finished *string
	)
	err := row.Scan(
		&b.ID,
		&b.UUID,
		&b.Slot,
		&b.User,
		&started,
		&finished,
		&b.InProgress,
		&b.Success,
		&b.JobsOK,
		&b.JobsErr,
		&b.FailureReason,
	)
	if err != nil {
		return BatchRow{}, err
	}
	if b.Started, err = parseTime(started); err != nil {
		return BatchRow{}, err
	}
	if finished != nil {
		t, err := parseTime(*finished)
		if err != nil {
			return BatchRow{}, err
		}
		b.Finished = &t
	}
	return b, nil
}

// Get returns the batch identified by 'uuid' or ErrNotFound.
func (s *Store) Get(ctx context.Context, uuid string) (BatchRow, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, selectBatch+` WHERE uuid=?`, uuid))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return BatchRow{}, ErrNotFound
	case err != nil:
		return BatchRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// List returns up to limit most recent batches, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]BatchRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectBatch+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Delete removes the batch identified by 'uuid' or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes every finished batch older than the keep most recent ones
// and returns how many were deleted. Batches in progress are never deleted.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	rows, err := s.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	var n int
	for i, row := range rows {
		if i < keep || row.InProgress {
			continue
		}
		err := s.Delete(ctx, row.UUID)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			return n, err
		}
		slog.DebugContext(ctx, "batch pruned", "uuid", row.UUID, "slot", row.Slot)
		n++
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
