package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

// CreatePairing persists a new device binding. A concurrent insert for the
// same device surfaces as domain.ErrAlreadyPaired so the directory can
// re-read and apply its idempotency rules.
func (r *Repository) CreatePairing(ctx context.Context, pairing *domain.Pairing) error {
	const query = `INSERT INTO pairings (device_id, desktop_id, created_at)
		VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, strings.TrimSpace(pairing.DeviceID), pairing.DesktopID, pairing.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyPaired
		}
		return err
	}
	return nil
}

// GetPairingByDevice fetches the binding for a device identifier. The
// desktop code is joined in so pairing payloads carry it.
func (r *Repository) GetPairingByDevice(ctx context.Context, deviceID string) (*domain.Pairing, error) {
	const query = `SELECT p.device_id, p.desktop_id, d.code, p.created_at
		FROM pairings p JOIN desktops d ON d.id = p.desktop_id
		WHERE p.device_id = $1`
	row := r.pool.QueryRow(ctx, query, strings.TrimSpace(deviceID))
	var p domain.Pairing
	if err := row.Scan(&p.DeviceID, &p.DesktopID, &p.DesktopCode, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPairingsByDesktop returns every device bound to a desktop.
func (r *Repository) ListPairingsByDesktop(ctx context.Context, desktopID int64) ([]domain.Pairing, error) {
	const query = `SELECT p.device_id, p.desktop_id, d.code, p.created_at
		FROM pairings p JOIN desktops d ON d.id = p.desktop_id
		WHERE p.desktop_id = $1 ORDER BY p.created_at ASC`
	rows, err := r.pool.Query(ctx, query, desktopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairings := make([]domain.Pairing, 0)
	for rows.Next() {
		var p domain.Pairing
		if err := rows.Scan(&p.DeviceID, &p.DesktopID, &p.DesktopCode, &p.CreatedAt); err != nil {
			return nil, err
		}
		pairings = append(pairings, p)
	}
	return pairings, rows.Err()
}

// DeletePairing removes a device binding.
func (r *Repository) DeletePairing(ctx context.Context, deviceID string) error {
	const query = `DELETE FROM pairings WHERE device_id = $1`
	tag, err := r.pool.Exec(ctx, query, strings.TrimSpace(deviceID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
