package pairing

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

// Service maintains the directory of kiosk devices bound to desktops.
type Service struct {
	pairings repository.PairingRepository
	desktops repository.DesktopRepository
	logger   *slog.Logger

	// allowMultiDevice permits several devices to point at one desktop,
	// for labs where a desktop has both a kiosk tablet and a wall display.
	allowMultiDevice bool
	now              func() time.Time
}

// New constructs a Service.
func New(pairings repository.PairingRepository, desktops repository.DesktopRepository, logger *slog.Logger, allowMultiDevice bool) *Service {
	return &Service{
		pairings:         pairings,
		desktops:         desktops,
		logger:           logger.With("component", "pairing"),
		allowMultiDevice: allowMultiDevice,
		now:              time.Now,
	}
}

// Register binds a device to the desktop with the given code. Pairing is
// anonymous: kiosks bind before any student logs in. Re-registering the
// same pair is idempotent; a device bound elsewhere gets
// domain.ErrAlreadyPaired, and an unknown code gets repository.ErrNotFound.
func (s *Service) Register(ctx context.Context, deviceID, desktopCode string) (*domain.Pairing, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", domain.ErrValidation)
	}
	desktopCode = strings.TrimSpace(desktopCode)
	if desktopCode == "" {
		return nil, fmt.Errorf("%w: desktop code is required", domain.ErrValidation)
	}

	desktop, err := s.desktops.GetDesktopByCode(ctx, desktopCode)
	if err != nil {
		return nil, err
	}

	if existing, err := s.pairings.GetPairingByDevice(ctx, deviceID); err == nil {
		if existing.DesktopID == desktop.ID {
			return existing, nil
		}
		return nil, domain.ErrAlreadyPaired
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if !s.allowMultiDevice {
		others, err := s.pairings.ListPairingsByDesktop(ctx, desktop.ID)
		if err != nil {
			return nil, err
		}
		if len(others) > 0 {
			return nil, domain.ErrDesktopAlreadyPaired
		}
	}

	pairing := &domain.Pairing{
		DeviceID:    deviceID,
		DesktopID:   desktop.ID,
		DesktopCode: desktop.Code,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.pairings.CreatePairing(ctx, pairing); err != nil {
		if errors.Is(err, domain.ErrAlreadyPaired) {
			// Lost a race against another registration for this device.
			// Re-read so the same-desktop case stays idempotent.
			existing, getErr := s.pairings.GetPairingByDevice(ctx, deviceID)
			if getErr == nil && existing.DesktopID == desktop.ID {
				return existing, nil
			}
			return nil, domain.ErrAlreadyPaired
		}
		return nil, err
	}
	s.logger.Info("device paired", "device_id", deviceID, "desktop_code", desktop.Code)
	return pairing, nil
}

// Resolve returns the desktop a device is bound to.
func (s *Service) Resolve(ctx context.Context, deviceID string) (*domain.Desktop, error) {
	pairing, err := s.pairings.GetPairingByDevice(ctx, strings.TrimSpace(deviceID))
	if err != nil {
		return nil, err
	}
	return s.desktops.GetDesktopByID(ctx, pairing.DesktopID)
}

// Unpair removes a device binding.
func (s *Service) Unpair(ctx context.Context, deviceID string) error {
	if err := s.pairings.DeletePairing(ctx, strings.TrimSpace(deviceID)); err != nil {
		return err
	}
	s.logger.Info("device unpaired", "device_id", deviceID)
	return nil
}
