package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

type memDesktopRepo struct {
	desktops map[int64]*domain.Desktop
	samples  []domain.HealthSample
	nextID   int64
}

func newMemDesktopRepo() *memDesktopRepo {
	return &memDesktopRepo{desktops: make(map[int64]*domain.Desktop)}
}

func (r *memDesktopRepo) CreateDesktop(_ context.Context, desktop *domain.Desktop) error {
	for _, d := range r.desktops {
		if d.Code == desktop.Code {
			return domain.ErrCodeTaken
		}
	}
	r.nextID++
	desktop.ID = r.nextID
	stored := *desktop
	r.desktops[desktop.ID] = &stored
	return nil
}

func (r *memDesktopRepo) GetDesktopByID(_ context.Context, id int64) (*domain.Desktop, error) {
	d, ok := r.desktops[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (r *memDesktopRepo) GetDesktopByCode(_ context.Context, code string) (*domain.Desktop, error) {
	for _, d := range r.desktops {
		if d.Code == code {
			copied := *d
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memDesktopRepo) ListDesktops(_ context.Context) ([]domain.Desktop, error) {
	var out []domain.Desktop
	for _, d := range r.desktops {
		out = append(out, *d)
	}
	return out, nil
}

// UpdateDesktopStatus mirrors the storage guard: busy rows are owned by
// the lease engine and are never overwritten here.
func (r *memDesktopRepo) UpdateDesktopStatus(_ context.Context, id int64, status domain.DesktopStatus) error {
	d, ok := r.desktops[id]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status == domain.DesktopStatusBusy {
		return domain.ErrDesktopInUse
	}
	d.Status = status
	return nil
}

func (r *memDesktopRepo) TouchDesktopHeartbeat(_ context.Context, id int64, ts time.Time) error {
	d, ok := r.desktops[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.LastHeartbeatAt = ts
	return nil
}

func (r *memDesktopRepo) DeleteDesktop(_ context.Context, id int64) error {
	d, ok := r.desktops[id]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status == domain.DesktopStatusBusy {
		return domain.ErrDesktopInUse
	}
	delete(r.desktops, id)
	return nil
}

func (r *memDesktopRepo) AppendHealthLog(_ context.Context, sample *domain.HealthSample) error {
	r.samples = append(r.samples, *sample)
	return nil
}

func (r *memDesktopRepo) CountDesktopsByStatus(_ context.Context) (map[domain.DesktopStatus]int, error) {
	out := make(map[domain.DesktopStatus]int)
	for _, d := range r.desktops {
		out[d.Status]++
	}
	return out, nil
}

// stubLeases answers active-lease lookups; everything else is unused here.
type stubLeases struct {
	repository.LeaseRepository
	activeByDesktop map[int64]*domain.Lease
	total           int
	active          int
}

func (s *stubLeases) GetActiveLeaseByDesktop(_ context.Context, desktopID int64) (*domain.Lease, error) {
	if l, ok := s.activeByDesktop[desktopID]; ok {
		return l, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubLeases) CountLeases(_ context.Context) (int, int, error) {
	return s.total, s.active, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(desktops *memDesktopRepo, leases *stubLeases) *Service {
	if leases == nil {
		leases = &stubLeases{}
	}
	return New(desktops, leases, testLogger())
}

func TestRegisterDuplicateCode(t *testing.T) {
	repo := newMemDesktopRepo()
	svc := newTestService(repo, nil)

	if _, err := svc.Register(context.Background(), "LAB1-PC01", "10.0.0.11:9090", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(context.Background(), "LAB1-PC01", "10.0.0.12:9090", "")
	if !errors.Is(err, domain.ErrCodeTaken) {
		t.Fatalf("err = %v, want ErrCodeTaken", err)
	}
}

func TestRegisterMissingFields(t *testing.T) {
	svc := newTestService(newMemDesktopRepo(), nil)

	_, err := svc.Register(context.Background(), "", "10.0.0.11:9090", "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRegisterStartsOffline(t *testing.T) {
	svc := newTestService(newMemDesktopRepo(), nil)

	desktop, err := svc.Register(context.Background(), "LAB1-PC02", "10.0.0.12:9090", "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if desktop.Status != domain.DesktopStatusOffline {
		t.Fatalf("status = %s, want offline", desktop.Status)
	}
}

func TestSetStatusRejectsBusy(t *testing.T) {
	repo := newMemDesktopRepo()
	svc := newTestService(repo, nil)
	desktop, _ := svc.Register(context.Background(), "LAB1-PC03", "10.0.0.13:9090", "")

	err := svc.SetStatus(context.Background(), desktop.ID, domain.DesktopStatusBusy)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestSetStatusWithActiveLease(t *testing.T) {
	repo := newMemDesktopRepo()
	desktop := &domain.Desktop{Code: "LAB1-PC04", Address: "10.0.0.14:9090", Status: domain.DesktopStatusBusy}
	if err := repo.CreateDesktop(context.Background(), desktop); err != nil {
		t.Fatalf("CreateDesktop: %v", err)
	}
	leases := &stubLeases{activeByDesktop: map[int64]*domain.Lease{
		desktop.ID: {ID: 7, DesktopID: desktop.ID, Status: domain.LeaseStatusActive},
	}}
	svc := newTestService(repo, leases)

	err := svc.SetStatus(context.Background(), desktop.ID, domain.DesktopStatusAvailable)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("available: err = %v, want ErrInvalidTransition", err)
	}
	err = svc.SetStatus(context.Background(), desktop.ID, domain.DesktopStatusMaintenance)
	if !errors.Is(err, domain.ErrDesktopInUse) {
		t.Fatalf("maintenance: err = %v, want ErrDesktopInUse", err)
	}
}

func TestSetStatusLeaseCommitsAfterCheck(t *testing.T) {
	// A lease can commit between the active-lease check and the status
	// write. The lease lookup answers empty here while the desktop row is
	// already busy; the storage guard must refuse the overwrite.
	repo := newMemDesktopRepo()
	desktop := &domain.Desktop{Code: "LAB1-PC09", Address: "10.0.0.19:9090", Status: domain.DesktopStatusBusy}
	if err := repo.CreateDesktop(context.Background(), desktop); err != nil {
		t.Fatalf("CreateDesktop: %v", err)
	}
	svc := newTestService(repo, nil)

	err := svc.SetStatus(context.Background(), desktop.ID, domain.DesktopStatusMaintenance)
	if !errors.Is(err, domain.ErrDesktopInUse) {
		t.Fatalf("err = %v, want ErrDesktopInUse", err)
	}
	got, _ := svc.Get(context.Background(), desktop.ID)
	if got.Status != domain.DesktopStatusBusy {
		t.Fatalf("status = %s, want busy", got.Status)
	}
}

func TestRemoveLeaseCommitsAfterCheck(t *testing.T) {
	repo := newMemDesktopRepo()
	desktop := &domain.Desktop{Code: "LAB1-PC10", Address: "10.0.0.20:9090", Status: domain.DesktopStatusBusy}
	if err := repo.CreateDesktop(context.Background(), desktop); err != nil {
		t.Fatalf("CreateDesktop: %v", err)
	}
	svc := newTestService(repo, nil)

	err := svc.Remove(context.Background(), desktop.ID)
	if !errors.Is(err, domain.ErrDesktopInUse) {
		t.Fatalf("err = %v, want ErrDesktopInUse", err)
	}
	if _, err := svc.Get(context.Background(), desktop.ID); err != nil {
		t.Fatalf("desktop was deleted despite guard: %v", err)
	}
}

func TestSetStatusMaintenanceWhenIdle(t *testing.T) {
	repo := newMemDesktopRepo()
	svc := newTestService(repo, nil)
	desktop, _ := svc.Register(context.Background(), "LAB1-PC05", "10.0.0.15:9090", "")

	if err := svc.SetStatus(context.Background(), desktop.ID, domain.DesktopStatusMaintenance); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := svc.Get(context.Background(), desktop.ID)
	if got.Status != domain.DesktopStatusMaintenance {
		t.Fatalf("status = %s, want maintenance", got.Status)
	}
}

func TestRemoveBlockedByActiveLease(t *testing.T) {
	repo := newMemDesktopRepo()
	desktop := &domain.Desktop{Code: "LAB1-PC06", Address: "10.0.0.16:9090", Status: domain.DesktopStatusBusy}
	if err := repo.CreateDesktop(context.Background(), desktop); err != nil {
		t.Fatalf("CreateDesktop: %v", err)
	}
	leases := &stubLeases{activeByDesktop: map[int64]*domain.Lease{
		desktop.ID: {ID: 9, DesktopID: desktop.ID, Status: domain.LeaseStatusActive},
	}}
	svc := newTestService(repo, leases)

	err := svc.Remove(context.Background(), desktop.ID)
	if !errors.Is(err, domain.ErrDesktopInUse) {
		t.Fatalf("err = %v, want ErrDesktopInUse", err)
	}
}

func TestHeartbeatNeverChangesStatus(t *testing.T) {
	repo := newMemDesktopRepo()
	svc := newTestService(repo, nil)
	desktop, _ := svc.Register(context.Background(), "LAB1-PC07", "10.0.0.17:9090", "")
	if err := svc.SetStatus(context.Background(), desktop.ID, domain.DesktopStatusMaintenance); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	err := svc.Heartbeat(context.Background(), "LAB1-PC07", domain.HealthSample{CPUPercent: 12.5, NetworkStatus: "ok"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, _ := svc.Get(context.Background(), desktop.ID)
	if got.Status != domain.DesktopStatusMaintenance {
		t.Fatalf("status = %s, want maintenance", got.Status)
	}
	if got.LastHeartbeatAt.IsZero() {
		t.Fatal("heartbeat timestamp not recorded")
	}
	if len(repo.samples) != 1 || repo.samples[0].DesktopID != desktop.ID {
		t.Fatalf("samples = %+v, want one for desktop %d", repo.samples, desktop.ID)
	}
}

func TestHeartbeatUnknownDesktop(t *testing.T) {
	svc := newTestService(newMemDesktopRepo(), nil)

	err := svc.Heartbeat(context.Background(), "NOPE", domain.HealthSample{})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	repo := newMemDesktopRepo()
	leases := &stubLeases{total: 12, active: 3}
	svc := newTestService(repo, leases)
	if _, err := svc.Register(context.Background(), "LAB1-PC08", "10.0.0.18:9090", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Desktops[domain.DesktopStatusOffline] != 1 {
		t.Fatalf("offline count = %d, want 1", stats.Desktops[domain.DesktopStatusOffline])
	}
	if stats.TotalSessions != 12 || stats.ActiveSessions != 3 {
		t.Fatalf("sessions = %d/%d, want 12/3", stats.TotalSessions, stats.ActiveSessions)
	}
}
