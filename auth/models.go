package auth

import "time"

// User is the domain representation of an authenticated user.
// It mirrors the users table and carries no JSON annotations; the api
// package decides what is exposed.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string
	Password string
	FullName string
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string
	Password string
}
