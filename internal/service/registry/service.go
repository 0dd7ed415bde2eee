package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

// Service owns the desktop inventory: identity, network fields and the
// admin-controlled half of the status field. The busy/available half is
// owned by the lease engine and rejected here.
type Service struct {
	desktops repository.DesktopRepository
	leases   repository.LeaseRepository
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(desktops repository.DesktopRepository, leases repository.LeaseRepository, logger *slog.Logger) *Service {
	return &Service{
		desktops: desktops,
		leases:   leases,
		logger:   logger.With("component", "registry"),
		now:      time.Now,
	}
}

// Register adds a desktop to the pool. Duplicate codes fail with
// domain.ErrCodeTaken. New desktops start offline until their agent reports.
func (s *Service) Register(ctx context.Context, code, address, macAddress string) (*domain.Desktop, error) {
	code = strings.TrimSpace(code)
	address = strings.TrimSpace(address)
	if code == "" || address == "" {
		return nil, fmt.Errorf("%w: code and address are required", domain.ErrValidation)
	}
	now := s.now().UTC()
	desktop := &domain.Desktop{
		Code:            code,
		Address:         address,
		MACAddress:      strings.TrimSpace(macAddress),
		Status:          domain.DesktopStatusOffline,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	if err := s.desktops.CreateDesktop(ctx, desktop); err != nil {
		return nil, err
	}
	s.logger.Info("desktop registered", "desktop_id", desktop.ID, "code", desktop.Code)
	return desktop, nil
}

// List returns the full inventory in stable code order.
func (s *Service) List(ctx context.Context) ([]domain.Desktop, error) {
	return s.desktops.ListDesktops(ctx)
}

// Get returns a single desktop.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Desktop, error) {
	return s.desktops.GetDesktopByID(ctx, id)
}

// SetStatus applies an admin status change. Busy is always rejected: it is
// derived from lease state, never set by hand. Available is allowed only
// when no active lease exists; offline/maintenance require any active lease
// to be force-ended first. A lease start committing after the check here
// is caught by the storage guard, which refuses to overwrite busy.
func (s *Service) SetStatus(ctx context.Context, id int64, status domain.DesktopStatus) error {
	if !domain.ValidDesktopStatus(status) {
		return domain.ErrInvalidTransition
	}
	if status == domain.DesktopStatusBusy {
		return domain.ErrInvalidTransition
	}
	active, err := s.leases.GetActiveLeaseByDesktop(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if active != nil {
		if status == domain.DesktopStatusAvailable {
			return domain.ErrInvalidTransition
		}
		return domain.ErrDesktopInUse
	}
	if err := s.desktops.UpdateDesktopStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.Info("desktop status changed", "desktop_id", id, "status", status)
	return nil
}

// Remove deletes a desktop that has no active lease. The delete itself
// re-checks for an active lease, closing the window after the lookup here.
func (s *Service) Remove(ctx context.Context, id int64) error {
	active, err := s.leases.GetActiveLeaseByDesktop(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if active != nil {
		return domain.ErrDesktopInUse
	}
	if err := s.desktops.DeleteDesktop(ctx, id); err != nil {
		return err
	}
	s.logger.Info("desktop removed", "desktop_id", id)
	return nil
}

// Heartbeat records an agent report. It never changes the desktop status;
// staleness detection is a monitoring concern layered on last_heartbeat_at.
func (s *Service) Heartbeat(ctx context.Context, desktopCode string, sample domain.HealthSample) error {
	desktop, err := s.desktops.GetDesktopByCode(ctx, desktopCode)
	if err != nil {
		return err
	}
	ts := s.now().UTC()
	if err := s.desktops.TouchDesktopHeartbeat(ctx, desktop.ID, ts); err != nil {
		return err
	}
	sample.DesktopID = desktop.ID
	sample.CreatedAt = ts
	if err := s.desktops.AppendHealthLog(ctx, &sample); err != nil {
		s.logger.Warn("health log append failed", "desktop_id", desktop.ID, "error", err)
	}
	return nil
}

// Stats aggregates inventory and session counts for the admin dashboard.
func (s *Service) Stats(ctx context.Context) (*domain.PoolStats, error) {
	desktops, err := s.desktops.CountDesktopsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	total, active, err := s.leases.CountLeases(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.PoolStats{
		Desktops:       desktops,
		TotalSessions:  total,
		ActiveSessions: active,
	}, nil
}
