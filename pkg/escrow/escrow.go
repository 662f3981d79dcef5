// Package escrow keeps the restricted, retention-bound mapping from an
// opaque author id back to a keyed hash of the raw identifier.
//
// Only hashes are stored. Reversal is a comparison: an operator who already
// suspects a raw identifier can hash it under the tenant key and compare.
// Reads go through Service.Lookup, which requires an admin token distinct
// from the pipeline's PrivacyPass and audits every attempt.
package escrow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccessDenied is returned for a missing, invalid or out-of-scope admin token.
	ErrAccessDenied = errors.New("escrow: access denied")
	// ErrExpired is returned when the entry is past its retention window.
	ErrExpired = errors.New("escrow: entry expired")
	// ErrRateLimited is returned when a subject exceeds its lookup budget.
	ErrRateLimited = errors.New("escrow: lookup rate limited")
	// ErrInvalidEntry is returned by stores for entries missing a key field.
	ErrInvalidEntry = errors.New("escrow: invalid entry")
)

// Entry is one (tenant_id, author_uuid) -> raw identifier hash mapping.
type Entry struct {
	TenantID   string    `json:"tenant_id"`
	AuthorUUID string    `json:"author_uuid"`
	RawHash    string    `json:"raw_hash"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RunID      string    `json:"run_id"`
}

// Expired reports whether the entry is past its retention at now. A zero
// ExpiresAt never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e Entry) validate() error {
	if e.TenantID == "" || e.AuthorUUID == "" || e.RawHash == "" {
		return fmt.Errorf("%w: tenant_id, author_uuid and raw_hash are required", ErrInvalidEntry)
	}
	return nil
}

// RawIdentifierHash is what a successful lookup returns.
type RawIdentifierHash struct {
	TenantID   string    `json:"tenant_id"`
	AuthorUUID string    `json:"author_uuid"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RunID      string    `json:"run_id"`
}

func (e Entry) result() *RawIdentifierHash {
	return &RawIdentifierHash{
		TenantID:   e.TenantID,
		AuthorUUID: e.AuthorUUID,
		Hash:       e.RawHash,
		CreatedAt:  e.CreatedAt,
		ExpiresAt:  e.ExpiresAt,
		RunID:      e.RunID,
	}
}
