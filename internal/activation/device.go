package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/store"
)

// DeviceStatus is the result of a device token request.
type DeviceStatus string

const (
	DeviceNoMatch        DeviceStatus = "no_match"
	DeviceOK             DeviceStatus = "ok"
	DeviceInvalidLicense DeviceStatus = "invalid_license"
)

// DeviceToken is an offline credential for a linked device. Token is empty
// unless Status is DeviceOK.
type DeviceToken struct {
	Status    DeviceStatus
	Token     string
	ExpiresAt *time.Time
	LicenseID string
}

// IssueDeviceToken signs a credential for a previously linked device whose
// owner holds a license that is active right now.
func (s *Service) IssueDeviceToken(ctx context.Context, deviceID string) (*DeviceToken, error) {
	if deviceID == "" {
		return nil, ErrInvalidInput
	}
	act, err := s.store.ActivationByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load activation: %w", err)
	}
	if act == nil {
		s.metrics.DeviceToken(string(DeviceNoMatch))
		return &DeviceToken{Status: DeviceNoMatch}, nil
	}
	user, err := s.store.UserByID(ctx, act.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		s.metrics.DeviceToken(string(DeviceNoMatch))
		return &DeviceToken{Status: DeviceNoMatch}, nil
	}

	licenses, err := s.store.LicensesByEmail(ctx, user.Email)
	if err != nil {
		return nil, fmt.Errorf("load licenses: %w", err)
	}
	now := s.now()
	lic := bestLicense(licenses, now)
	if lic == nil {
		s.metrics.DeviceToken(string(DeviceInvalidLicense))
		return &DeviceToken{Status: DeviceInvalidLicense}, nil
	}

	ttl := s.cfg.DeviceTokenTTL
	if lic.ValidUntil != nil && lic.ValidUntil.Sub(now) < ttl {
		ttl = lic.ValidUntil.Sub(now)
	}
	features := lic.Features
	if features == nil {
		features = map[string]any{}
	}
	issued, err := s.device.Issue(map[string]any{
		"device_id":  deviceID,
		"email":      user.Email,
		"license_id": lic.ID,
		"plan":       lic.Plan,
		"seats":      lic.SeatsTotal,
		"features":   features,
	}, s.cfg.DeviceAudience, ttl)
	if err != nil {
		return nil, fmt.Errorf("issue device token: %w", err)
	}

	s.metrics.DeviceToken(string(DeviceOK))
	s.log.Info("device token issued", logger.DeviceID(deviceID), logger.LicenseID(lic.ID))
	exp := issued.ExpiresAt
	return &DeviceToken{Status: DeviceOK, Token: issued.Token, ExpiresAt: &exp, LicenseID: lic.ID}, nil
}

// bestLicense picks the valid license that stays valid the longest; an open
// ended window beats any bounded one.
func bestLicense(licenses []*store.License, now time.Time) *store.License {
	var best *store.License
	for _, l := range licenses {
		if !l.ValidAt(now) {
			continue
		}
		switch {
		case best == nil:
			best = l
		case best.ValidUntil == nil:
		case l.ValidUntil == nil || l.ValidUntil.After(*best.ValidUntil):
			best = l
		}
	}
	return best
}

// PurgeExpired deletes magic requests older than retention that can no longer
// be verified.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.store.PurgeMagicRequests(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	s.metrics.Purged(n)
	return n, nil
}

// RunJanitor purges on every tick until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx, retention)
			if err != nil {
				s.log.Warn("purge failed", logger.Err(err))
				continue
			}
			if n > 0 {
				s.log.Info("purged magic requests", logger.Count(int(n)))
			}
		}
	}
}
