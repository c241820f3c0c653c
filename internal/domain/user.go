package domain

import "time"

// User represents an account that can approve device logins.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte
	CreatedAt    time.Time
}
