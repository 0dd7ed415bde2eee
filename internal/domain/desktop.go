package domain

import "time"

// DesktopStatus enumerates the lifecycle states of a physical desktop.
type DesktopStatus string

const (
	DesktopStatusOffline     DesktopStatus = "offline"
	DesktopStatusAvailable   DesktopStatus = "available"
	DesktopStatusBusy        DesktopStatus = "busy"
	DesktopStatusMaintenance DesktopStatus = "maintenance"
)

// ValidDesktopStatus reports whether the value is a known desktop status.
func ValidDesktopStatus(s DesktopStatus) bool {
	switch s {
	case DesktopStatusOffline, DesktopStatusAvailable, DesktopStatusBusy, DesktopStatusMaintenance:
		return true
	}
	return false
}

// Desktop is a physical machine in the shared pool. A desktop is busy
// exactly when one active lease references it; that half of the status
// field belongs to the lease engine, the rest to admin actions.
type Desktop struct {
	ID              int64         `json:"id"`
	Code            string        `json:"code"`
	Address         string        `json:"address"`
	MACAddress      string        `json:"mac_address,omitempty"`
	Status          DesktopStatus `json:"status"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// HealthSample is one agent-reported reading for a desktop.
type HealthSample struct {
	DesktopID     int64     `json:"desktop_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkStatus string    `json:"network_status"`
	CreatedAt     time.Time `json:"created_at"`
}

// PoolStats aggregates desktop and session counts for the admin dashboard.
type PoolStats struct {
	Desktops       map[DesktopStatus]int `json:"desktops"`
	TotalSessions  int                   `json:"total_sessions"`
	ActiveSessions int                   `json:"active_sessions"`
}
