package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps everything in maps. One mutex serialises all access, and a
// transaction journals undo steps so a failed fn leaves no trace.
type Memory struct {
	mu          sync.Mutex
	users       map[string]*User // by id
	usersByMail map[string]string
	activations map[string]*Activation // by id
	requests    map[string]*MagicRequest
	licenses    map[string]*License
	events      map[string]*WebhookEvent
	logicalKeys map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		users:       map[string]*User{},
		usersByMail: map[string]string{},
		activations: map[string]*Activation{},
		requests:    map[string]*MagicRequest{},
		licenses:    map[string]*License{},
		events:      map[string]*WebhookEvent{},
		logicalKeys: map[string]string{},
	}
}

type memTx struct {
	m    *Memory
	undo []func()
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) CreateMagicRequest(_ context.Context, r *MagicRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("%w: magic request %s exists", ErrConflict, r.ID)
	}
	for _, other := range m.requests {
		if other.TokenID == r.TokenID {
			return fmt.Errorf("%w: token id %s exists", ErrConflict, r.TokenID)
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func copyRequest(r *MagicRequest) *MagicRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.UsedAt != nil {
		t := *r.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}

func (m *Memory) MagicRequestByID(_ context.Context, id string) (*MagicRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRequest(m.requests[id]), nil
}

func (m *Memory) MagicRequestByTokenID(_ context.Context, tokenID string) (*MagicRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.TokenID == tokenID {
			return copyRequest(r), nil
		}
	}
	return nil, nil
}

func (m *Memory) ExpireMagicRequest(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || !r.PastExpiry(now) {
		return false, nil
	}
	r.Status = StatusExpired
	return true, nil
}

func (m *Memory) PurgeMagicRequests(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.requests {
		if r.CreatedAt.Before(cutoff) && (r.Status != StatusPending || r.ExpiresAt.Before(cutoff)) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) UserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.usersByMail[email]; ok {
		cp := *m.users[id]
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) activationBy(match func(*Activation) bool) *Activation {
	for _, a := range m.activations {
		if match(a) {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (m *Memory) ActivationByDevice(_ context.Context, deviceID string) (*Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activationBy(func(a *Activation) bool { return a.DeviceID == deviceID }), nil
}

func copyLicense(l *License) *License {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Features = make(map[string]any, len(l.Features))
	for k, v := range l.Features {
		cp.Features[k] = v
	}
	return &cp
}

func (m *Memory) License(_ context.Context, id string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyLicense(m.licenses[id]), nil
}

func (m *Memory) LicenseByKeyHash(_ context.Context, keyHash string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.licenses {
		if l.KeyHash == keyHash {
			return copyLicense(l), nil
		}
	}
	return nil, nil
}

func (m *Memory) LicensesByEmail(_ context.Context, email string) ([]*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*License
	for _, l := range m.licenses {
		if strings.EqualFold(l.CustomerEmail, email) {
			out = append(out, copyLicense(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func copyEvent(e *WebhookEvent) *WebhookEvent {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}

func (m *Memory) WebhookEvent(_ context.Context, id string) (*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		return copyEvent(e), nil
	}
	return nil, nil
}

func (m *Memory) WebhookEvents(_ context.Context, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WebhookEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transaction methods run with m.mu held by InTx.

func (t *memTx) MarkMagicRequestVerified(_ context.Context, id string, now time.Time) (bool, error) {
	r, ok := t.m.requests[id]
	if !ok || r.Status != StatusPending || !now.Before(r.ExpiresAt) {
		return false, nil
	}
	prevStatus, prevUsed := r.Status, r.UsedAt
	used := now
	r.Status, r.UsedAt = StatusVerified, &used
	t.undo = append(t.undo, func() { r.Status, r.UsedAt = prevStatus, prevUsed })
	return true, nil
}

func (t *memTx) UpsertUser(_ context.Context, email string, now time.Time) (*User, error) {
	if id, ok := t.m.usersByMail[email]; ok {
		cp := *t.m.users[id]
		return &cp, nil
	}
	u := &User{ID: uuid.NewString(), Email: email, CreatedAt: now}
	t.m.users[u.ID] = u
	t.m.usersByMail[email] = u.ID
	t.undo = append(t.undo, func() {
		delete(t.m.users, u.ID)
		delete(t.m.usersByMail, email)
	})
	cp := *u
	return &cp, nil
}

func (t *memTx) ActivationByUser(_ context.Context, userID string) (*Activation, error) {
	return t.m.activationBy(func(a *Activation) bool { return a.UserID == userID }), nil
}

func (t *memTx) ActivationByDevice(_ context.Context, deviceID string) (*Activation, error) {
	return t.m.activationBy(func(a *Activation) bool { return a.DeviceID == deviceID }), nil
}

func (t *memTx) CreateActivation(_ context.Context, a *Activation) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := t.m.users[a.UserID]; !ok {
		return false, fmt.Errorf("%w: user %s does not exist", ErrConflict, a.UserID)
	}
	for _, other := range t.m.activations {
		if other.UserID == a.UserID {
			return false, nil
		}
	}
	for _, other := range t.m.activations {
		if other.ID == a.ID || other.DeviceID == a.DeviceID {
			return false, fmt.Errorf("%w: device %s already linked", ErrConflict, a.DeviceID)
		}
	}
	cp := *a
	t.m.activations[a.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.m.activations, cp.ID) })
	return true, nil
}

func (t *memTx) UpdateActivationDevice(_ context.Context, id, deviceID string, now time.Time) error {
	a, ok := t.m.activations[id]
	if !ok {
		return fmt.Errorf("activation %s not found", id)
	}
	for _, other := range t.m.activations {
		if other.ID != id && other.DeviceID == deviceID {
			return fmt.Errorf("%w: device %s already linked", ErrConflict, deviceID)
		}
	}
	prevDevice, prevUpdated := a.DeviceID, a.UpdatedAt
	a.DeviceID, a.UpdatedAt = deviceID, now
	t.undo = append(t.undo, func() { a.DeviceID, a.UpdatedAt = prevDevice, prevUpdated })
	return nil
}

func (t *memTx) InsertEventIfAbsent(_ context.Context, e *WebhookEvent) (bool, error) {
	if _, ok := t.m.events[e.ID]; ok {
		return false, nil
	}
	cp := copyEvent(e)
	cp.Applied = false
	t.m.events[e.ID] = cp
	t.undo = append(t.undo, func() { delete(t.m.events, cp.ID) })
	return true, nil
}

func (t *memTx) ClaimLogicalKey(_ context.Context, key, deliveryID string, _ time.Time) (bool, error) {
	if _, ok := t.m.logicalKeys[key]; ok {
		return false, nil
	}
	t.m.logicalKeys[key] = deliveryID
	t.undo = append(t.undo, func() { delete(t.m.logicalKeys, key) })
	return true, nil
}

func (t *memTx) UpsertLicense(_ context.Context, l *License, now time.Time) (bool, error) {
	for _, other := range t.m.licenses {
		if other.ID != l.ID && other.KeyHash == l.KeyHash {
			return false, fmt.Errorf("%w: key hash already used by license %s", ErrConflict, other.ID)
		}
	}
	next := copyLicense(l)
	prev, exists := t.m.licenses[l.ID]
	if exists {
		if prev.UpdatedAt != nil && next.UpdatedAt != nil && !prev.UpdatedAt.Before(*next.UpdatedAt) {
			return false, nil
		}
		if next.UpdatedAt == nil {
			next.UpdatedAt = prev.UpdatedAt
		}
		next.CreatedAt = prev.CreatedAt
	} else {
		next.CreatedAt = now
	}
	t.m.licenses[l.ID] = next
	t.undo = append(t.undo, func() {
		if exists {
			t.m.licenses[l.ID] = prev
		} else {
			delete(t.m.licenses, l.ID)
		}
	})
	return true, nil
}

func (t *memTx) MarkEventApplied(_ context.Context, id string) error {
	e, ok := t.m.events[id]
	if !ok || e.Applied {
		return nil
	}
	e.Applied = true
	t.undo = append(t.undo, func() { e.Applied = false })
	return nil
}
