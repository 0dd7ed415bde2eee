package domain

import "time"

// Pairing binds an anonymous kiosk device identifier to one desktop.
// The device id is opaque, client-generated and stable across restarts;
// a device maps to at most one desktop.
type Pairing struct {
	DeviceID    string    `json:"device_id"`
	DesktopID   int64     `json:"desktop_id"`
	DesktopCode string    `json:"desktop_code"`
	CreatedAt   time.Time `json:"created_at"`
}
