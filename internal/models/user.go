package models

import "time"

// User represents an identity record stored in the users table.
//
// A user is either pending (enabled=false with a verification code set) or
// active (enabled=true with the code cleared); registration creates the
// former and verification moves it to the latter.
type User struct {
	ID               int64     `db:"id" json:"id"`
	Username         string    `db:"username" json:"username"`
	Email            string    `db:"email" json:"email"`
	PasswordHash     string    `db:"password_hash" json:"-"`
	FullName         string    `db:"full_name" json:"full_name"`
	VerificationCode *string   `db:"verification_code" json:"-"`
	Enabled          bool      `db:"enabled" json:"enabled"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Pending reports whether the user still awaits email verification.
func (u *User) Pending() bool {
	return !u.Enabled
}
