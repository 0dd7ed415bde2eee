package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/ws"
)

// PoolTopic is the hub topic carrying lease transitions.
const PoolTopic = "pool"

// Service is the lease engine. All session starts and ends flow through it;
// the repository enforces the hard guarantees with row locks and partial
// unique indexes, and the per-key locks here keep concurrent requests for
// the same desktop or student from burning transactions on known conflicts.
type Service struct {
	leases    repository.LeaseRepository
	hub       *ws.Hub
	logger    *slog.Logger
	durations []int
	locks     *keyLock
	now       func() time.Time
}

// New constructs a Service. durations lists the permitted session lengths
// in minutes.
func New(leases repository.LeaseRepository, hub *ws.Hub, logger *slog.Logger, durations []int) *Service {
	return &Service{
		leases:    leases,
		hub:       hub,
		logger:    logger.With("component", "lease"),
		durations: durations,
		locks:     newKeyLock(),
		now:       time.Now,
	}
}

// PoolEvent is broadcast to pool subscribers on every lease transition.
type PoolEvent struct {
	Type      string    `json:"type"`
	LeaseID   int64     `json:"lease_id"`
	DesktopID int64     `json:"desktop_id"`
	StudentID string    `json:"student_id"`
	At        time.Time `json:"at"`
}

// Start claims a desktop for a student. The student must have no active
// lease and the desktop must be available; expired leases found on either
// side are finalized first so a stale row never blocks a fresh claim.
func (s *Service) Start(ctx context.Context, studentID string, desktopID int64, durationMinutes int) (*domain.Lease, error) {
	if !s.validDuration(durationMinutes) {
		return nil, domain.ErrInvalidDuration
	}

	release := s.locks.acquire(desktopKey(desktopID), studentKey(studentID))
	defer release()

	now := s.now().UTC()
	if err := s.expireIfDue(ctx, now, func(c context.Context) (*domain.Lease, error) {
		return s.leases.GetActiveLeaseByStudent(c, studentID)
	}); err != nil {
		return nil, err
	}
	if err := s.expireIfDue(ctx, now, func(c context.Context) (*domain.Lease, error) {
		return s.leases.GetActiveLeaseByDesktop(c, desktopID)
	}); err != nil {
		return nil, err
	}

	if existing, err := s.leases.GetActiveLeaseByStudent(ctx, studentID); err == nil {
		return nil, &domain.AlreadyActiveError{LeaseID: existing.ID}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	lease := &domain.Lease{
		DesktopID:       desktopID,
		StudentID:       studentID,
		DurationMinutes: durationMinutes,
		Status:          domain.LeaseStatusActive,
		StartedAt:       now,
	}
	if err := s.leases.StartLease(ctx, lease); err != nil {
		return nil, err
	}

	s.logger.Info("lease started", "lease_id", lease.ID, "desktop_id", desktopID, "student_id", studentID, "duration_min", durationMinutes)
	s.publish("lease_started", lease, now)
	return lease, nil
}

// End finalizes a lease. Ending an already-ended lease succeeds without
// side effects, so client retries and the sweeper cannot fight.
func (s *Service) End(ctx context.Context, leaseID int64, endedBy domain.Actor) (*domain.Lease, error) {
	lease, err := s.leases.GetLeaseByID(ctx, leaseID)
	if err != nil {
		return nil, err
	}

	release := s.locks.acquire(desktopKey(lease.DesktopID), studentKey(lease.StudentID))
	defer release()

	now := s.now().UTC()
	transitioned, err := s.leases.EndLease(ctx, leaseID, now, endedBy)
	if err != nil {
		return nil, err
	}
	lease, err = s.leases.GetLeaseByID(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.logger.Info("lease ended", "lease_id", leaseID, "desktop_id", lease.DesktopID, "ended_by", endedBy)
		s.publish("lease_ended", lease, now)
	}
	return lease, nil
}

// ActiveForStudent returns the student's active lease, finalizing it first
// if its deadline already passed. No active lease is repository.ErrNotFound.
func (s *Service) ActiveForStudent(ctx context.Context, studentID string) (*domain.Lease, error) {
	lease, err := s.leases.GetActiveLeaseByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if lease.Expired(s.now().UTC()) {
		if _, err := s.End(ctx, lease.ID, domain.ActorSweep); err != nil {
			return nil, err
		}
		return nil, repository.ErrNotFound
	}
	return lease, nil
}

// GetLease returns a lease by id, finalizing it on read if it expired.
func (s *Service) GetLease(ctx context.Context, id int64) (*domain.Lease, error) {
	lease, err := s.leases.GetLeaseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lease.Status == domain.LeaseStatusActive && lease.Expired(s.now().UTC()) {
		return s.End(ctx, lease.ID, domain.ActorSweep)
	}
	return lease, nil
}

// ListActive returns active leases, dropping any that expired since the
// last sweep and finalizing them on the way out.
func (s *Service) ListActive(ctx context.Context) ([]domain.Lease, error) {
	leases, err := s.leases.ListActiveLeases(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	live := leases[:0]
	for _, l := range leases {
		if l.Expired(now) {
			if _, err := s.End(ctx, l.ID, domain.ActorSweep); err != nil {
				s.logger.Warn("expiring lease on read failed", "lease_id", l.ID, "error", err)
			}
			continue
		}
		live = append(live, l)
	}
	return live, nil
}

// ExpireDue ends every active lease whose deadline passed. A failure on one
// lease is logged and does not stop the rest of the batch.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.leases.ListExpiredLeases(ctx, now.UTC())
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, l := range due {
		if _, err := s.End(ctx, l.ID, domain.ActorSweep); err != nil {
			s.logger.Error("sweep end failed", "lease_id", l.ID, "error", err)
			continue
		}
		ended++
	}
	return ended, nil
}

// Durations reports the permitted session lengths in minutes.
func (s *Service) Durations() []int {
	out := make([]int, len(s.durations))
	copy(out, s.durations)
	return out
}

func (s *Service) validDuration(minutes int) bool {
	for _, d := range s.durations {
		if d == minutes {
			return true
		}
	}
	return false
}

// expireIfDue finalizes the lease returned by fetch when its deadline has
// passed. Absence is not an error here.
func (s *Service) expireIfDue(ctx context.Context, now time.Time, fetch func(context.Context) (*domain.Lease, error)) error {
	lease, err := fetch(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !lease.Expired(now) {
		return nil
	}
	if _, err := s.leases.EndLease(ctx, lease.ID, now, domain.ActorSweep); err != nil {
		return err
	}
	s.logger.Info("lease expired on read", "lease_id", lease.ID)
	s.publish("lease_ended", lease, now)
	return nil
}

func (s *Service) publish(eventType string, lease *domain.Lease, at time.Time) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(PoolEvent{
		Type:      eventType,
		LeaseID:   lease.ID,
		DesktopID: lease.DesktopID,
		StudentID: lease.StudentID,
		At:        at,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(PoolTopic, payload)
}

func desktopKey(id int64) string  { return fmt.Sprintf("desktop:%d", id) }
func studentKey(id string) string { return "student:" + id }
