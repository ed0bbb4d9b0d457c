package models

import (
	"time"
)

// User is an entry in the directory of known identities. Identities are
// issued elsewhere; rows are created from verified tokens.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     *string   `json:"email,omitempty" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
