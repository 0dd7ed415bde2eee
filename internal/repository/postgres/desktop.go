package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

const desktopColumns = `id, code, address, mac_address, status, last_heartbeat_at, created_at`

// CreateDesktop inserts a desktop record. A duplicate code maps to
// domain.ErrCodeTaken.
func (r *Repository) CreateDesktop(ctx context.Context, desktop *domain.Desktop) error {
	const query = `INSERT INTO desktops (code, address, mac_address, status, last_heartbeat_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		strings.TrimSpace(desktop.Code),
		strings.TrimSpace(desktop.Address),
		nullIfEmpty(desktop.MACAddress),
		desktop.Status,
		desktop.LastHeartbeatAt,
		desktop.CreatedAt,
	)
	if err := row.Scan(&desktop.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrCodeTaken
		}
		return err
	}
	return nil
}

// GetDesktopByID fetches a desktop by identifier.
func (r *Repository) GetDesktopByID(ctx context.Context, id int64) (*domain.Desktop, error) {
	const query = `SELECT ` + desktopColumns + ` FROM desktops WHERE id = $1`
	return scanDesktop(r.pool.QueryRow(ctx, query, id))
}

// GetDesktopByCode fetches a desktop by its human-assigned code.
func (r *Repository) GetDesktopByCode(ctx context.Context, code string) (*domain.Desktop, error) {
	const query = `SELECT ` + desktopColumns + ` FROM desktops WHERE code = $1`
	return scanDesktop(r.pool.QueryRow(ctx, query, strings.TrimSpace(code)))
}

// ListDesktops returns all desktops in stable code order.
func (r *Repository) ListDesktops(ctx context.Context) ([]domain.Desktop, error) {
	const query = `SELECT ` + desktopColumns + ` FROM desktops ORDER BY code ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	desktops := make([]domain.Desktop, 0)
	for rows.Next() {
		d, err := scanDesktopValues(rows)
		if err != nil {
			return nil, err
		}
		desktops = append(desktops, *d)
	}
	return desktops, rows.Err()
}

// UpdateDesktopStatus applies an admin status change. The write is guarded
// on the row not being busy: a lease start committing after the registry's
// active-lease check must not be overwritten.
func (r *Repository) UpdateDesktopStatus(ctx context.Context, id int64, status domain.DesktopStatus) error {
	const query = `UPDATE desktops SET status = $2 WHERE id = $1 AND status <> $3`
	tag, err := r.pool.Exec(ctx, query, id, status, domain.DesktopStatusBusy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM desktops WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return domain.ErrDesktopInUse
	}
	return nil
}

// TouchDesktopHeartbeat records the latest agent heartbeat timestamp.
func (r *Repository) TouchDesktopHeartbeat(ctx context.Context, id int64, ts time.Time) error {
	const query = `UPDATE desktops SET last_heartbeat_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, ts.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDesktop removes a desktop unless an active lease references it.
// The leases table carries no foreign key, so the guard lives in the
// delete itself.
func (r *Repository) DeleteDesktop(ctx context.Context, id int64) error {
	const query = `DELETE FROM desktops
		WHERE id = $1
		AND NOT EXISTS (SELECT 1 FROM leases WHERE desktop_id = $1 AND status = $2)`
	tag, err := r.pool.Exec(ctx, query, id, domain.LeaseStatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM desktops WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return domain.ErrDesktopInUse
	}
	return nil
}

// AppendHealthLog stores one agent health sample.
func (r *Repository) AppendHealthLog(ctx context.Context, sample *domain.HealthSample) error {
	const query = `INSERT INTO health_logs (desktop_id, cpu_pct, mem_pct, network_status, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, sample.DesktopID, sample.CPUPercent, sample.MemoryPercent, sample.NetworkStatus, sample.CreatedAt)
	return err
}

// CountDesktopsByStatus aggregates the inventory for the stats endpoint.
func (r *Repository) CountDesktopsByStatus(ctx context.Context) (map[domain.DesktopStatus]int, error) {
	const query = `SELECT status, COUNT(1) FROM desktops GROUP BY status`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.DesktopStatus]int)
	for rows.Next() {
		var status domain.DesktopStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func nullIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func scanDesktop(row pgx.Row) (*domain.Desktop, error) {
	d, err := scanDesktopValues(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func scanDesktopValues(row pgx.Row) (*domain.Desktop, error) {
	var (
		d   domain.Desktop
		mac *string
	)
	if err := row.Scan(&d.ID, &d.Code, &d.Address, &mac, &d.Status, &d.LastHeartbeatAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	if mac != nil {
		d.MACAddress = *mac
	}
	return &d, nil
}
