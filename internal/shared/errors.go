package shared

import "errors"

var (
	// ErrNotFound indicates the referenced role, permission, assignment or
	// principal does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate active assignment or override for the
	// same key.
	ErrConflict = errors.New("duplicate active record")
	// ErrScopeMismatch indicates a role's parish or ward scope does not match
	// the target principal's membership.
	ErrScopeMismatch = errors.New("role scope does not match principal membership")
	// ErrExpired indicates an edge was supplied with an expiry already in the
	// past.
	ErrExpired = errors.New("expiry is in the past")
	// ErrUnauthenticated indicates no valid credential was presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the credential lacks the required capability.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
