package domain

import "time"

// Student is an authenticated account. StudentRef is the university-issued
// identifier; identity-document verification happens upstream of this service.
type Student struct {
	ID           string    `json:"id"`
	StudentRef   string    `json:"student_ref"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}
