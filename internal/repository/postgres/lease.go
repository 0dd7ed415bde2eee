package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

const leaseColumns = `id, desktop_id, student_id, duration_minutes, status, started_at, ended_at, ended_by`

// StartLease creates a lease and flips the desktop to busy in one
// transaction. The desktop row is locked for the duration so no two
// callers can both observe it available.
func (r *Repository) StartLease(ctx context.Context, lease *domain.Lease) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status domain.DesktopStatus
	row := tx.QueryRow(ctx, `SELECT status FROM desktops WHERE id = $1 FOR UPDATE`, lease.DesktopID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if status != domain.DesktopStatusAvailable {
		return domain.ErrDesktopUnavailable
	}

	const insert = `INSERT INTO leases (desktop_id, student_id, duration_minutes, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	row = tx.QueryRow(ctx, insert, lease.DesktopID, lease.StudentID, lease.DurationMinutes, domain.LeaseStatusActive, lease.StartedAt.UTC())
	if err := row.Scan(&lease.ID); err != nil {
		// The partial unique indexes on active leases are the storage-level
		// backstop for the one-lease-per-desktop/student invariants.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "leases_active_student_idx" {
				// The failed insert aborted the transaction; re-read the
				// blocking lease outside it so callers get its id.
				activeErr := &domain.AlreadyActiveError{}
				if existing, readErr := r.GetActiveLeaseByStudent(ctx, lease.StudentID); readErr == nil {
					activeErr.LeaseID = existing.ID
				}
				return activeErr
			}
			return domain.ErrDesktopUnavailable
		}
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE desktops SET status = $2 WHERE id = $1`, lease.DesktopID, domain.DesktopStatusBusy); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	lease.Status = domain.LeaseStatusActive
	return nil
}

// EndLease transitions an active lease to ended and returns the desktop to
// available. The desktop update is guarded on busy so a concurrent admin
// move to offline/maintenance is not undone. Ending an already-ended lease
// reports transitioned=false with no error.
func (r *Repository) EndLease(ctx context.Context, leaseID int64, endedAt time.Time, endedBy domain.Actor) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const update = `UPDATE leases
		SET status = $2, ended_at = $3, ended_by = $4
		WHERE id = $1 AND status = $5
		RETURNING desktop_id`
	var desktopID int64
	row := tx.QueryRow(ctx, update, leaseID, domain.LeaseStatusEnded, endedAt.UTC(), endedBy, domain.LeaseStatusActive)
	if err := row.Scan(&desktopID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the lease never existed or it already ended.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leases WHERE id = $1)`, leaseID).Scan(&exists); err != nil {
				return false, err
			}
			if !exists {
				return false, repository.ErrNotFound
			}
			return false, tx.Commit(ctx)
		}
		return false, err
	}

	const release = `UPDATE desktops SET status = $2 WHERE id = $1 AND status = $3`
	if _, err := tx.Exec(ctx, release, desktopID, domain.DesktopStatusAvailable, domain.DesktopStatusBusy); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetLeaseByID fetches a lease regardless of status.
func (r *Repository) GetLeaseByID(ctx context.Context, id int64) (*domain.Lease, error) {
	const query = `SELECT ` + leaseColumns + ` FROM leases WHERE id = $1`
	return scanLease(r.pool.QueryRow(ctx, query, id))
}

// GetActiveLeaseByStudent returns the student's active lease if any.
func (r *Repository) GetActiveLeaseByStudent(ctx context.Context, studentID string) (*domain.Lease, error) {
	const query = `SELECT ` + leaseColumns + ` FROM leases WHERE student_id = $1 AND status = $2`
	return scanLease(r.pool.QueryRow(ctx, query, studentID, domain.LeaseStatusActive))
}

// GetActiveLeaseByDesktop returns the desktop's active lease if any.
func (r *Repository) GetActiveLeaseByDesktop(ctx context.Context, desktopID int64) (*domain.Lease, error) {
	const query = `SELECT ` + leaseColumns + ` FROM leases WHERE desktop_id = $1 AND status = $2`
	return scanLease(r.pool.QueryRow(ctx, query, desktopID, domain.LeaseStatusActive))
}

// ListActiveLeases returns active leases ordered by start time ascending.
func (r *Repository) ListActiveLeases(ctx context.Context) ([]domain.Lease, error) {
	const query = `SELECT ` + leaseColumns + ` FROM leases WHERE status = $1 ORDER BY started_at ASC, id ASC`
	return r.queryLeases(ctx, query, domain.LeaseStatusActive)
}

// ListExpiredLeases returns active leases whose deadline has passed.
func (r *Repository) ListExpiredLeases(ctx context.Context, now time.Time) ([]domain.Lease, error) {
	const query = `SELECT ` + leaseColumns + ` FROM leases
		WHERE status = $1 AND started_at + make_interval(mins => duration_minutes) <= $2
		ORDER BY started_at ASC, id ASC`
	return r.queryLeases(ctx, query, domain.LeaseStatusActive, now.UTC())
}

// CountLeases reports total and active lease counts for the stats endpoint.
func (r *Repository) CountLeases(ctx context.Context) (int, int, error) {
	const query = `SELECT COUNT(1), COUNT(1) FILTER (WHERE status = $1) FROM leases`
	var total, active int
	if err := r.pool.QueryRow(ctx, query, domain.LeaseStatusActive).Scan(&total, &active); err != nil {
		return 0, 0, err
	}
	return total, active, nil
}

func (r *Repository) queryLeases(ctx context.Context, query string, args ...any) ([]domain.Lease, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leases := make([]domain.Lease, 0)
	for rows.Next() {
		lease, err := scanLeaseValues(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *lease)
	}
	return leases, rows.Err()
}

func scanLease(row pgx.Row) (*domain.Lease, error) {
	lease, err := scanLeaseValues(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return lease, nil
}

func scanLeaseValues(row pgx.Row) (*domain.Lease, error) {
	var (
		lease   domain.Lease
		endedAt sql.NullTime
		endedBy sql.NullString
	)
	if err := row.Scan(&lease.ID, &lease.DesktopID, &lease.StudentID, &lease.DurationMinutes, &lease.Status, &lease.StartedAt, &endedAt, &endedBy); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		value := endedAt.Time.UTC()
		lease.EndedAt = &value
	}
	if endedBy.Valid {
		lease.EndedBy = domain.Actor(endedBy.String)
	}
	return &lease, nil
}
