package repository

import (
	"context"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
)

// StudentRepository persists student accounts.
type StudentRepository interface {
	CreateStudent(ctx context.Context, student *domain.Student) error
	GetStudentByEmail(ctx context.Context, email string) (*domain.Student, error)
	GetStudentByRef(ctx context.Context, studentRef string) (*domain.Student, error)
	GetStudentByID(ctx context.Context, id string) (*domain.Student, error)
}

// DesktopRepository persists the desktop inventory.
type DesktopRepository interface {
	CreateDesktop(ctx context.Context, desktop *domain.Desktop) error
	GetDesktopByID(ctx context.Context, id int64) (*domain.Desktop, error)
	GetDesktopByCode(ctx context.Context, code string) (*domain.Desktop, error)
	// ListDesktops returns all desktops ordered by code.
	ListDesktops(ctx context.Context) ([]domain.Desktop, error)
	UpdateDesktopStatus(ctx context.Context, id int64, status domain.DesktopStatus) error
	TouchDesktopHeartbeat(ctx context.Context, id int64, ts time.Time) error
	DeleteDesktop(ctx context.Context, id int64) error
	AppendHealthLog(ctx context.Context, sample *domain.HealthSample) error
	CountDesktopsByStatus(ctx context.Context) (map[domain.DesktopStatus]int, error)
}

// PairingRepository persists device-to-desktop bindings.
type PairingRepository interface {
	CreatePairing(ctx context.Context, pairing *domain.Pairing) error
	GetPairingByDevice(ctx context.Context, deviceID string) (*domain.Pairing, error)
	ListPairingsByDesktop(ctx context.Context, desktopID int64) ([]domain.Pairing, error)
	DeletePairing(ctx context.Context, deviceID string) error
}

// LeaseRepository persists leases and performs the two transitions that must
// be atomic with the desktop status flip.
type LeaseRepository interface {
	// StartLease locks the desktop row, verifies it is available, inserts the
	// lease and flips the desktop to busy in one transaction. It returns
	// repository.ErrNotFound for an unknown desktop and
	// domain.ErrDesktopUnavailable when the desktop is not available.
	StartLease(ctx context.Context, lease *domain.Lease) error
	// EndLease marks an active lease ended and returns the desktop to
	// available unless an admin moved it to offline/maintenance meanwhile.
	// Ending an already-ended lease reports transitioned=false with no error;
	// an unknown lease id returns repository.ErrNotFound.
	EndLease(ctx context.Context, leaseID int64, endedAt time.Time, endedBy domain.Actor) (transitioned bool, err error)
	GetLeaseByID(ctx context.Context, id int64) (*domain.Lease, error)
	GetActiveLeaseByStudent(ctx context.Context, studentID string) (*domain.Lease, error)
	GetActiveLeaseByDesktop(ctx context.Context, desktopID int64) (*domain.Lease, error)
	// ListActiveLeases returns active leases ordered by start time ascending.
	ListActiveLeases(ctx context.Context) ([]domain.Lease, error)
	// ListExpiredLeases returns active leases whose deadline passed.
	ListExpiredLeases(ctx context.Context, now time.Time) ([]domain.Lease, error)
	CountLeases(ctx context.Context) (total int, active int, err error)
}
