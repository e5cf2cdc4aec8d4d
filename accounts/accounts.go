// Package accounts defines the persistence contract for bot account records.
// A record is keyed by the chat network's account id and holds the dashboard
// login, the credential snapshot used to restore the session at startup, the
// accumulated online time and the per-account bot settings.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("account not found")
	// ErrExists is returned by Create when a record with the same id exists.
	ErrExists = errors.New("account already exists")
	// ErrUsernameTaken is returned by Create when another record uses the username.
	ErrUsernameTaken = errors.New("username already taken")
)

// Record is the stored representation of a bot account.
type Record struct {
	AccountID          string          `json:"accountId"`
	Username           string          `json:"username"`
	PasswordHash       string          `json:"passwordHash,omitempty"`
	Token              string          `json:"token,omitempty"`
	CredentialSnapshot json.RawMessage `json:"credentialSnapshot,omitempty"`
	ElapsedSeconds     int64           `json:"elapsedSeconds"`
	DisplayName        string          `json:"displayName"`
	ProfileURL         string          `json:"profileUrl"`
	AvatarURL          string          `json:"avatarUrl"`
	CommandPrefix      string          `json:"commandPrefix,omitempty"`
	BotName            string          `json:"botName,omitempty"`
	Admins             []string        `json:"admins,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Restorable reports whether the record carries a credential snapshot.
func (r *Record) Restorable() bool {
	return len(r.CredentialSnapshot) > 0 && string(r.CredentialSnapshot) != "null"
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CredentialSnapshot = append(json.RawMessage(nil), r.CredentialSnapshot...)
	cp.Admins = append([]string(nil), r.Admins...)
	return &cp
}

// Patch lists the fields to update; nil fields are left untouched.
type Patch struct {
	Token              *string
	CredentialSnapshot *json.RawMessage
	ElapsedSeconds     *int64
	DisplayName        *string
	ProfileURL         *string
	AvatarURL          *string
	CommandPrefix      *string
	BotName            *string
	Admins             *[]string
}

// Apply copies the non-nil fields of p onto r and bumps UpdatedAt.
func (p Patch) Apply(r *Record, now time.Time) {
	if p.Token != nil {
		r.Token = *p.Token
	}
	if p.CredentialSnapshot != nil {
		r.CredentialSnapshot = append(json.RawMessage(nil), (*p.CredentialSnapshot)...)
	}
	if p.ElapsedSeconds != nil {
		r.ElapsedSeconds = *p.ElapsedSeconds
	}
	if p.DisplayName != nil {
		r.DisplayName = *p.DisplayName
	}
	if p.ProfileURL != nil {
		r.ProfileURL = *p.ProfileURL
	}
	if p.AvatarURL != nil {
		r.AvatarURL = *p.AvatarURL
	}
	if p.CommandPrefix != nil {
		r.CommandPrefix = *p.CommandPrefix
	}
	if p.BotName != nil {
		r.BotName = *p.BotName
	}
	if p.Admins != nil {
		r.Admins = append([]string(nil), (*p.Admins)...)
	}
	r.UpdatedAt = now
}

// Store persists account records. Implementations MUST be safe for concurrent use.
type Store interface {
	// Create inserts a new record. It fails with ErrExists or ErrUsernameTaken.
	Create(ctx context.Context, rec *Record) error
	// FindByID returns ErrNotFound when no record exists.
	FindByID(ctx context.Context, accountID string) (*Record, error)
	// FindByUsername returns ErrNotFound when no record uses the username.
	FindByUsername(ctx context.Context, username string) (*Record, error)
	// Update applies the patch; ErrNotFound when the record is missing.
	Update(ctx context.Context, accountID string, patch Patch) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, accountID string) error
	// ListRestorable returns every record that carries a credential snapshot,
	// ordered by account id.
	ListRestorable(ctx context.Context) ([]*Record, error)
	// List returns every record ordered by account id.
	List(ctx context.Context) ([]*Record, error)
	// Close releases resources held by the store.
	Close() error
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Int64 returns a pointer to v, for building patches.
func Int64(v int64) *int64 { return &v }
