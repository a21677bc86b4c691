// Package activation links an email to a device through a single-use magic
// token and lets the device long-poll until the link is clicked.
//
// A magic request moves pending -> verified or pending -> expired exactly once.
// The persisted row is authoritative for expiry; the token's own exp is
// enforced as well, so whichever comes first ends the request.
package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/licensing/internal/config"
	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/longpoll"
	"github.com/example/licensing/internal/metrics"
	"github.com/example/licensing/internal/store"
	"github.com/example/licensing/internal/token"
)

var (
	ErrInvalidInput       = errors.New("email and device id are required")
	ErrInvalidPayload     = errors.New("invalid token payload")
	ErrRequestNotFound    = errors.New("request not found")
	ErrRequestAlreadyUsed = errors.New("request already used")
	ErrRequestExpired     = errors.New("request expired")
	// ErrDeviceMismatch is returned under PolicyReject when the user is
	// already linked to a different device.
	ErrDeviceMismatch = errors.New("user is linked to a different device")
	// ErrDeviceLinked means the device id belongs to another user.
	ErrDeviceLinked = errors.New("device is linked to another user")
)

// Policy decides what happens when a verified user already owns a different
// device.
type Policy string

const (
	PolicyOverwrite Policy = "overwrite"
	PolicyReject    Policy = "reject"
)

type Config struct {
	MagicAudience  string
	DeviceAudience string
	TokenTTL       time.Duration
	RequestTTL     time.Duration
	DeviceTokenTTL time.Duration
	Policy         Policy
	PollDefault    time.Duration
	PollMax        time.Duration
}

// ConfigFrom maps the process configuration onto the service's settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MagicAudience:  c.MagicAudience,
		DeviceAudience: c.DeviceAudience,
		TokenTTL:       c.MagicTokenTTL,
		RequestTTL:     c.MagicRequestTTL,
		DeviceTokenTTL: c.DeviceTokenTTL,
		Policy:         Policy(c.DevicePolicy),
		PollDefault:    c.PollDefaultTimeout,
		PollMax:        c.PollMaxTimeout,
	}
}

type Service struct {
	store    store.Store
	magic    *token.Service
	device   *token.Service
	notifier *longpoll.Notifier[store.RequestStatus]
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithNotifier(n *longpoll.Notifier[store.RequestStatus]) Option {
	return func(s *Service) { s.notifier = n }
}

// New wires the service. magic signs the emailed tokens; device signs the
// offline device credentials and may be the same service.
func New(st store.Store, magic, device *token.Service, cfg Config, opts ...Option) *Service {
	if cfg.Policy == "" {
		cfg.Policy = PolicyOverwrite
	}
	if cfg.PollMax <= 0 || cfg.PollMax > config.MaxPollCeiling {
		cfg.PollMax = config.MaxPollCeiling
	}
	if cfg.PollDefault <= 0 || cfg.PollDefault > cfg.PollMax {
		cfg.PollDefault = cfg.PollMax
	}
	s := &Service{
		store:    st,
		magic:    magic,
		device:   device,
		notifier: longpoll.New[store.RequestStatus](),
		log:      logger.Named("activation"),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Request is what the device gets back when it starts an activation.
type Request struct {
	RequestID string
	Token     string
	ExpiresAt time.Time
}

// RequestActivation records a pending magic request and issues its token.
func (s *Service) RequestActivation(ctx context.Context, email, deviceID string) (*Request, error) {
	email, deviceID = strings.TrimSpace(email), strings.TrimSpace(deviceID)
	if email == "" || deviceID == "" {
		return nil, ErrInvalidInput
	}

	now := s.now()
	row := &store.MagicRequest{
		ID:        uuid.NewString(),
		TokenID:   uuid.NewString(),
		Email:     email,
		DeviceID:  deviceID,
		Status:    store.StatusPending,
		ExpiresAt: now.Add(s.cfg.RequestTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateMagicRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("create magic request: %w", err)
	}

	issued, err := s.magic.IssueWithID(row.TokenID, map[string]any{
		"rid":       row.ID,
		"email":     email,
		"device_id": deviceID,
	}, s.cfg.MagicAudience, s.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue magic token: %w", err)
	}

	expires := row.ExpiresAt
	if issued.ExpiresAt.Before(expires) {
		expires = issued.ExpiresAt
	}
	s.metrics.Activation("requested")
	s.log.Info("activation requested", logger.RequestID(row.ID), logger.DeviceID(deviceID))
	return &Request{RequestID: row.ID, Token: issued.Token, ExpiresAt: expires}, nil
}

// Outcome describes a successful verification.
type Outcome struct {
	RequestID      string
	UserID         string
	Email          string
	DeviceID       string
	PreviousDevice string
	Notified       int
}

var errNotPending = errors.New("magic request no longer pending")

// Verify consumes a magic token and links its email to its device.
func (s *Service) Verify(ctx context.Context, raw string) (*Outcome, error) {
	claims, err := s.magic.Verify(raw, s.cfg.MagicAudience)
	if err != nil {
		s.metrics.Activation("verify_rejected")
		return nil, err
	}
	email, deviceID, rid := claims.String("email"), claims.String("device_id"), claims.String("rid")
	if email == "" || deviceID == "" || rid == "" {
		return nil, ErrInvalidPayload
	}

	req, err := s.store.MagicRequestByTokenID(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("load magic request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.ID != rid || req.Email != email || req.DeviceID != deviceID {
		return nil, ErrInvalidPayload
	}

	now := s.now()
	if err := s.stateError(ctx, req, now); err != nil {
		return nil, err
	}

	out := &Outcome{RequestID: req.ID, Email: req.Email, DeviceID: req.DeviceID}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		ok, err := tx.MarkMagicRequestVerified(ctx, req.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errNotPending
		}

		user, err := tx.UpsertUser(ctx, req.Email, now)
		if err != nil {
			return err
		}
		out.UserID = user.ID
		return s.linkDevice(ctx, tx, user, req.DeviceID, now, out)
	})
	if errors.Is(err, errNotPending) {
		// Lost a race with another verify or an expiry; report what won.
		current, rerr := s.store.MagicRequestByID(ctx, req.ID)
		if rerr != nil {
			return nil, fmt.Errorf("reload magic request: %w", rerr)
		}
		if current == nil {
			return nil, ErrRequestNotFound
		}
		if serr := s.stateError(ctx, current, s.now()); serr != nil {
			return nil, serr
		}
		return nil, ErrRequestAlreadyUsed
	}
	if err != nil {
		s.metrics.Activation("verify_failed")
		return nil, err
	}

	out.Notified = s.notifier.Resolve(req.ID, store.StatusVerified)
	s.metrics.Activation("verified")
	fields := []zap.Field{logger.RequestID(req.ID), logger.DeviceID(req.DeviceID), logger.Count(out.Notified)}
	if out.PreviousDevice != "" {
		fields = append(fields, logger.String("previous_device_id", out.PreviousDevice))
	}
	s.log.Info("activation verified", fields...)
	return out, nil
}

func (s *Service) linkDevice(ctx context.Context, tx store.Tx, user *store.User, deviceID string, now time.Time, out *Outcome) error {
	owner, err := tx.ActivationByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if owner != nil && owner.UserID != user.ID {
		return ErrDeviceLinked
	}

	current, err := tx.ActivationByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if current == nil {
		created, err := tx.CreateActivation(ctx, &store.Activation{
			UserID:    user.ID,
			DeviceID:  deviceID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil || created {
			return err
		}
		// A concurrent verification linked this user first.
		if current, err = tx.ActivationByUser(ctx, user.ID); err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("activation for user %s missing after insert", user.ID)
		}
	}
	switch {
	case current.DeviceID == deviceID:
		return nil
	case s.cfg.Policy == PolicyReject:
		return ErrDeviceMismatch
	default:
		out.PreviousDevice = current.DeviceID
		return tx.UpdateActivationDevice(ctx, current.ID, deviceID, now)
	}
}

// stateError maps a persisted row to the error a verification would hit, or
// nil if the row can still be verified. A pending row past its expiry is
// flipped to expired on the way.
func (s *Service) stateError(ctx context.Context, req *store.MagicRequest, now time.Time) error {
	switch {
	case req.Status == store.StatusVerified:
		return ErrRequestAlreadyUsed
	case req.Status == store.StatusExpired:
		return ErrRequestExpired
	case req.PastExpiry(now):
		if err := s.expire(ctx, req.ID, now); err != nil {
			return err
		}
		return ErrRequestExpired
	}
	return nil
}

func (s *Service) expire(ctx context.Context, id string, now time.Time) error {
	flipped, err := s.store.ExpireMagicRequest(ctx, id, now)
	if err != nil {
		return fmt.Errorf("expire magic request: %w", err)
	}
	if flipped {
		n := s.notifier.Resolve(id, store.StatusExpired)
		s.metrics.Activation("expired")
		s.log.Debug("magic request expired", logger.RequestID(id), logger.Count(n))
	}
	return nil
}

// PollTimeout clamps a requested wait to the configured bounds. Zero or
// negative selects the default.
func (s *Service) PollTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.cfg.PollDefault
	}
	if requested > s.cfg.PollMax {
		return s.cfg.PollMax
	}
	return requested
}

// Status answers a poll. Terminal rows answer at once; pending rows block
// until verified, expired, timeout (pending) or ctx is done.
func (s *Service) Status(ctx context.Context, requestID string, timeout time.Duration) (store.RequestStatus, error) {
	timeout = s.PollTimeout(timeout)

	// Register before reading so a verify landing in between is not missed.
	w := s.notifier.Register(requestID)
	release := func() { s.notifier.Unregister(w) }

	req, err := s.store.MagicRequestByID(ctx, requestID)
	if err != nil {
		release()
		return "", fmt.Errorf("load magic request: %w", err)
	}
	if req == nil {
		release()
		return "", ErrRequestNotFound
	}
	if req.Terminal() {
		release()
		return req.Status, nil
	}

	now := s.now()
	if req.PastExpiry(now) {
		release()
		if err := s.expire(ctx, req.ID, now); err != nil {
			return "", err
		}
		return s.settled(ctx, req.ID)
	}

	wait, capped := timeout, false
	if untilExpiry := req.ExpiresAt.Sub(now); untilExpiry < wait {
		wait, capped = untilExpiry, true
	}

	done := s.metrics.PollStarted()
	status, ok := s.notifier.Wait(ctx, w, wait)
	switch {
	case ok:
	case ctx.Err() != nil:
		done("cancelled")
		return "", ctx.Err()
	case capped:
		if err := s.expire(ctx, req.ID, s.now()); err != nil {
			done("error")
			return "", err
		}
		status, err = s.settled(ctx, req.ID)
		if err != nil {
			done("error")
			return "", err
		}
	default:
		status = store.StatusPending
	}
	done(string(status))
	return status, nil
}

// settled re-reads a row after an expiry attempt.
func (s *Service) settled(ctx context.Context, id string) (store.RequestStatus, error) {
	req, err := s.store.MagicRequestByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load magic request: %w", err)
	}
	if req == nil {
		return "", ErrRequestNotFound
	}
	return req.Status, nil
}

// Waiters is the number of polls currently blocked.
func (s *Service) Waiters() int { return s.notifier.Len() }
