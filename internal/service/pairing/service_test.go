package pairing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

type memPairingRepo struct {
	byDevice map[string]*domain.Pairing
}

func newMemPairingRepo() *memPairingRepo {
	return &memPairingRepo{byDevice: make(map[string]*domain.Pairing)}
}

func (r *memPairingRepo) CreatePairing(_ context.Context, pairing *domain.Pairing) error {
	if _, ok := r.byDevice[pairing.DeviceID]; ok {
		return domain.ErrAlreadyPaired
	}
	stored := *pairing
	r.byDevice[pairing.DeviceID] = &stored
	return nil
}

func (r *memPairingRepo) GetPairingByDevice(_ context.Context, deviceID string) (*domain.Pairing, error) {
	p, ok := r.byDevice[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *memPairingRepo) ListPairingsByDesktop(_ context.Context, desktopID int64) ([]domain.Pairing, error) {
	var out []domain.Pairing
	for _, p := range r.byDevice {
		if p.DesktopID == desktopID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memPairingRepo) DeletePairing(_ context.Context, deviceID string) error {
	if _, ok := r.byDevice[deviceID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.byDevice, deviceID)
	return nil
}

// stubDesktops resolves desktop lookups from a fixed set.
type stubDesktops struct {
	repository.DesktopRepository
	known map[string]*domain.Desktop
}

func (s *stubDesktops) GetDesktopByCode(_ context.Context, code string) (*domain.Desktop, error) {
	d, ok := s.known[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (s *stubDesktops) GetDesktopByID(_ context.Context, id int64) (*domain.Desktop, error) {
	for _, d := range s.known {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(allowMulti bool) (*Service, *memPairingRepo) {
	repo := newMemPairingRepo()
	desktops := &stubDesktops{known: map[string]*domain.Desktop{
		"LAB1-PC01": {ID: 1, Code: "LAB1-PC01", Status: domain.DesktopStatusAvailable},
		"LAB1-PC02": {ID: 2, Code: "LAB1-PC02", Status: domain.DesktopStatusAvailable},
	}}
	return New(repo, desktops, testLogger(), allowMulti), repo
}

func TestRegisterAndResolve(t *testing.T) {
	svc, _ := newTestService(false)

	pairing, err := svc.Register(context.Background(), "device-1", "LAB1-PC01")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pairing.DesktopID != 1 || pairing.DesktopCode != "LAB1-PC01" {
		t.Fatalf("unexpected pairing: %+v", pairing)
	}

	desktop, err := svc.Resolve(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desktop.Code != "LAB1-PC01" {
		t.Fatalf("resolved code = %s, want LAB1-PC01", desktop.Code)
	}
}

func TestRegisterIsIdempotentForSamePair(t *testing.T) {
	svc, _ := newTestService(false)

	first, err := svc.Register(context.Background(), "device-1", "LAB1-PC01")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := svc.Register(context.Background(), "device-1", "LAB1-PC01")
	if err != nil {
		t.Fatalf("repeat Register: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("repeat Register rewrote the pairing: %+v", second)
	}
}

func TestRegisterDeviceBoundElsewhere(t *testing.T) {
	svc, _ := newTestService(false)

	if _, err := svc.Register(context.Background(), "device-1", "LAB1-PC01"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(context.Background(), "device-1", "LAB1-PC02")
	if !errors.Is(err, domain.ErrAlreadyPaired) {
		t.Fatalf("err = %v, want ErrAlreadyPaired", err)
	}
}

func TestRegisterUnknownDesktop(t *testing.T) {
	svc, _ := newTestService(false)

	_, err := svc.Register(context.Background(), "device-1", "LAB9-PC99")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterMissingDeviceID(t *testing.T) {
	svc, _ := newTestService(false)

	_, err := svc.Register(context.Background(), "  ", "LAB1-PC01")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRegisterSecondDeviceSameDesktop(t *testing.T) {
	svc, _ := newTestService(false)

	if _, err := svc.Register(context.Background(), "device-1", "LAB1-PC01"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(context.Background(), "device-2", "LAB1-PC01")
	if !errors.Is(err, domain.ErrDesktopAlreadyPaired) {
		t.Fatalf("err = %v, want ErrDesktopAlreadyPaired", err)
	}
}

func TestRegisterMultiDeviceAllowed(t *testing.T) {
	svc, _ := newTestService(true)

	if _, err := svc.Register(context.Background(), "device-1", "LAB1-PC01"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(context.Background(), "device-2", "LAB1-PC01"); err != nil {
		t.Fatalf("second device: %v", err)
	}
}

func TestUnpair(t *testing.T) {
	svc, _ := newTestService(false)

	if _, err := svc.Register(context.Background(), "device-1", "LAB1-PC01"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Unpair(context.Background(), "device-1"); err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "device-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := svc.Unpair(context.Background(), "device-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("repeat Unpair err = %v, want ErrNotFound", err)
	}
}
