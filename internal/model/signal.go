// internal/model/signal.go
// Package model defines the data structures used throughout the signal service.
// These structures represent the core domain objects: signals, their types,
// and the callers acting on them.
package model

import (
	"strings"
	"time"
)

// Status is the lifecycle label of a signal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// Statuses lists the closed set of recognized statuses.
var Statuses = []Status{StatusPending, StatusInProgress, StatusResolved, StatusRejected}

// Valid reports whether s is one of the recognized statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Signal represents a single incident report.
// This corresponds to the signals table in storage.
type Signal struct {
	ID          int64        `json:"id" db:"id"`                   // Store-assigned, never reused
	Image       string       `json:"image" db:"image"`             // Blob key of the uploaded image
	Description string       `json:"description" db:"description"` // Free text
	TypeSignal  []TypeSignal `json:"typeSignal"`                   // Exactly one type at creation
	Latitude    float64      `json:"latitude" db:"latitude"`
	Longitude   float64      `json:"longitude" db:"longitude"`
	Status      Status       `json:"status" db:"status"`
	Date        time.Time    `json:"date" db:"date"`         // Caller-supplied report date
	Username    string       `json:"username" db:"username"` // Reporter
	Region      *string      `json:"region" db:"region"`     // Nil until an admin assigns one
	Seen        int          `json:"seen" db:"seen"`         // Always 0, kept for schema compatibility
}

// TypeSignal is a named category of signal, e.g. "pothole" or "flood".
// This corresponds to the type_signals table in storage.
type TypeSignal struct {
	ID   int64  `json:"id" db:"id"`
	Type string `json:"type" db:"type"`
}

// CreateSignalInput carries the fields of a new report as submitted by a caller.
type CreateSignalInput struct {
	ImageData     []byte    // Raw image bytes
	ImageFilename string    // Original filename, used for the extension
	TypeName      string    // Name resolved against the type catalog
	Description   string    //
	Latitude      float64   //
	Longitude     float64   //
	Status        Status    // Defaults to pending when empty
	Date          time.Time // Caller-supplied report date
	Username      string    // Defaults to the caller when empty
}

// Image is an image blob as returned to callers.
type Image struct {
	Filename    string
	Data        []byte
	ContentType string // Sniffed from the bytes
	Digest      string // BLAKE3 hex digest of Data
}

// Role is a caller role. Roles are not hierarchical.
type Role string

const (
	RoleUser      Role = "USER"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// ParseRole normalizes role names such as "admin" or "ROLE_ADMIN".
// It returns false for unknown roles.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "ROLE_"))
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	Username string `json:"username"`
	Roles    []Role `json:"roles"`
}

// HasRole reports whether the caller holds role.
func (c Caller) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the caller holds at least one of roles.
func (c Caller) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}
