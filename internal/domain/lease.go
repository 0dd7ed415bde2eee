package domain

import "time"

// LeaseStatus enumerates lease lifecycle states.
type LeaseStatus string

const (
	LeaseStatusActive LeaseStatus = "active"
	LeaseStatusEnded  LeaseStatus = "ended"
)

// Actor identifies who triggered a lease transition, for audit.
type Actor string

const (
	ActorStudent Actor = "student"
	ActorAdmin   Actor = "admin"
	ActorSweep   Actor = "sweep"
)

// Lease is a time-bounded exclusive claim on one desktop by one student.
// StartedAt is server clock and immutable; the lease is logically expired
// once now >= StartedAt + Duration() regardless of stored status.
type Lease struct {
	ID              int64       `json:"id"`
	DesktopID       int64       `json:"desktop_id"`
	StudentID       string      `json:"student_id"`
	DurationMinutes int         `json:"duration_minutes"`
	Status          LeaseStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	EndedBy         Actor       `json:"ended_by,omitempty"`
}

// Duration returns the requested lease duration.
func (l Lease) Duration() time.Duration {
	return time.Duration(l.DurationMinutes) * time.Minute
}

// ExpiresAt returns the instant the lease stops being valid.
func (l Lease) ExpiresAt() time.Time {
	return l.StartedAt.Add(l.Duration())
}

// Expired reports whether the lease is past its deadline at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return l.Status == LeaseStatusActive && !now.Before(l.ExpiresAt())
}

// Remaining returns the whole seconds left at the given instant, never negative.
func (l Lease) Remaining(now time.Time) time.Duration {
	left := l.ExpiresAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left.Truncate(time.Second)
}
