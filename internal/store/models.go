package store

import "time"

// RequestStatus is the lifecycle state of a magic request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusVerified RequestStatus = "verified"
	StatusExpired  RequestStatus = "expired"
)

// User is created lazily on the first successful verification of an email.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Activation links one device to one user.
type Activation struct {
	ID        string
	UserID    string
	DeviceID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MagicRequest is one pending email verification attempt. TokenID is the jti
// of the issued token; the raw token is never stored.
type MagicRequest struct {
	ID        string
	TokenID   string
	Email     string
	DeviceID  string
	Status    RequestStatus
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Terminal reports whether the request can no longer change state.
func (r *MagicRequest) Terminal() bool {
	return r.Status == StatusVerified || r.Status == StatusExpired
}

// PastExpiry reports whether a pending request has outlived its expiry at now.
func (r *MagicRequest) PastExpiry(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// License is the local snapshot of a provider license record. UpdatedAt comes
// from the provider payload, never the local clock.
type License struct {
	ID            string
	ProductID     string
	Key           string
	KeyHash       string
	CustomerEmail string
	Status        string
	Plan          string
	SeatsTotal    int
	SeatsUsed     int
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	Features      map[string]any
	UpdatedAt     *time.Time
	CreatedAt     time.Time
}

// ValidAt reports whether the license is usable and inside its validity window.
// Lemon Squeezy reports a purchased key with no activated instances as
// "inactive"; it is still a valid license.
func (l *License) ValidAt(t time.Time) bool {
	if l.Status != "active" && l.Status != "inactive" {
		return false
	}
	if l.ValidFrom != nil && t.Before(*l.ValidFrom) {
		return false
	}
	if l.ValidUntil != nil && !t.Before(*l.ValidUntil) {
		return false
	}
	return true
}

// WebhookEvent is the append-only audit record of one verified delivery.
type WebhookEvent struct {
	ID         string
	ReceivedAt time.Time
	EventName  string
	Payload    []byte
	Applied    bool
}
