// Package store persists users, device activations, magic requests, license
// snapshots and the webhook audit trail.
//
// Three adapters share one contract: Postgres (lib/pq), SQLite (modernc) and an
// in-memory map store for tests and local runs. Deduplication relies on
// uniqueness constraints: the insert-or-detect methods report whether a row was
// newly created instead of surfacing a constraint error.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrConflict wraps a uniqueness or foreign key violation outside the known
// dedup paths. The surrounding transaction is rolled back.
var ErrConflict = errors.New("storage conflict")

// Store is the non-transactional surface. Lookups return nil, nil when nothing
// matches.
type Store interface {
	// InTx runs fn in one transaction. fn's error rolls everything back.
	// Store methods must not be called from inside fn.
	InTx(ctx context.Context, fn func(Tx) error) error

	CreateMagicRequest(ctx context.Context, r *MagicRequest) error
	MagicRequestByID(ctx context.Context, id string) (*MagicRequest, error)
	MagicRequestByTokenID(ctx context.Context, tokenID string) (*MagicRequest, error)
	// ExpireMagicRequest flips a pending request whose expiry is at or before
	// now to expired. It reports whether this call made the transition.
	ExpireMagicRequest(ctx context.Context, id string, now time.Time) (bool, error)
	// PurgeMagicRequests deletes requests created before cutoff that are
	// terminal or expired by cutoff.
	PurgeMagicRequests(ctx context.Context, cutoff time.Time) (int64, error)

	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	ActivationByDevice(ctx context.Context, deviceID string) (*Activation, error)

	License(ctx context.Context, id string) (*License, error)
	LicenseByKeyHash(ctx context.Context, keyHash string) (*License, error)
	LicensesByEmail(ctx context.Context, email string) ([]*License, error)

	WebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
	WebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the transactional surface used by activation and webhook ingestion.
type Tx interface {
	// MarkMagicRequestVerified moves a pending, unexpired request to verified.
	// false means the row was not pending or already past expiry.
	MarkMagicRequestVerified(ctx context.Context, id string, now time.Time) (bool, error)
	UpsertUser(ctx context.Context, email string, now time.Time) (*User, error)
	ActivationByUser(ctx context.Context, userID string) (*Activation, error)
	ActivationByDevice(ctx context.Context, deviceID string) (*Activation, error)
	// CreateActivation reports false when the user already has an activation,
	// leaving it untouched. A device linked elsewhere is ErrConflict.
	CreateActivation(ctx context.Context, a *Activation) (bool, error)
	UpdateActivationDevice(ctx context.Context, id, deviceID string, now time.Time) error

	// InsertEventIfAbsent reports false when the delivery id already exists.
	InsertEventIfAbsent(ctx context.Context, e *WebhookEvent) (bool, error)
	// ClaimLogicalKey reports false when the key was already applied.
	ClaimLogicalKey(ctx context.Context, key, deliveryID string, now time.Time) (bool, error)
	// UpsertLicense inserts or replaces a snapshot unless the stored provider
	// updated_at is newer or equal. It reports whether a row changed.
	UpsertLicense(ctx context.Context, l *License, now time.Time) (bool, error)
	MarkEventApplied(ctx context.Context, id string) error
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
