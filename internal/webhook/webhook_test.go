package webhook

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/licensing/internal/store"
)

const secret = "whsec-test"

func licenseBody(id, key, updatedAt, status string) []byte {
	return []byte(fmt.Sprintf(`{
  "meta": {"event_name": "license_key_updated", "custom_data": {"plan": "team", "features": {"export": true}}},
  "data": {
    "type": "license-keys",
    "id": %q,
    "attributes": {
      "product_id": 42,
      "user_email": "Alice@Example.com",
      "key": %q,
      "status": %q,
      "activation_limit": 5,
      "instances_count": 2,
      "created_at": "2025-01-01T00:00:00.000000Z",
      "expires_at": null,
      "updated_at": %q
    }
  }
}`, id, key, status, updatedAt))
}

func headers(delivery string) http.Header {
	h := http.Header{}
	if delivery != "" {
		h.Set("X-Delivery-Id", delivery)
	}
	return h
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"license_key_created"}}`)
	sig := Sign(body, secret)

	assert.NoError(t, VerifySignature(body, sig, secret))

	flipped := append([]byte(nil), body...)
	flipped[3] ^= 0x01
	assert.ErrorIs(t, VerifySignature(flipped, sig, secret), ErrSignatureInvalid)

	assert.ErrorIs(t, VerifySignature(body, Sign(body, "other"), secret), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(body, sig[:63], secret), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(body, strings.Repeat("z", 64), secret), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(body, "", secret), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(body, sig, ""), ErrSecretMissing)

	if upper := strings.ToUpper(sig); upper != sig {
		assert.ErrorIs(t, VerifySignature(body, upper, secret), ErrSignatureInvalid)
	}
	assert.ErrorIs(t, VerifySignature(body, " "+sig[1:], secret), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(body, sig+"\n", secret), ErrSignatureInvalid)
	assert.ErrorIs(t, VerifySignature(body, " "+sig, secret), ErrSignatureInvalid)
}

func TestVerifySignatureRejectsEveryBitFlip(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"license_key_updated"}}`)
	sig := []byte(Sign(body, secret))
	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), sig...)
			flipped[i] ^= 1 << bit
			assert.ErrorIs(t, VerifySignature(body, string(flipped), secret), ErrSignatureInvalid, "byte %d bit %d", i, bit)
		}
	}
}

func TestIdentify(t *testing.T) {
	body := licenseBody("7", "KEY-7", "2025-02-01T10:00:00.000000Z", "active")
	p, ok := Parse(body)
	require.True(t, ok)

	id := Identify(headers("evt-1"), &p, body)
	assert.Equal(t, "evt-1", id.DeliveryID)
	assert.Equal(t, "license_key_updated", id.EventName)
	assert.Equal(t, "license_key_updated:license-keys:7:2025-02-01T10:00:00.000000Z", id.LogicalKey)

	h := http.Header{}
	h.Set("X-Request-Id", "req-9")
	h.Set("X-Event-Name", "license_key_created")
	id = Identify(h, &p, body)
	assert.Equal(t, "req-9", id.DeliveryID)
	assert.Equal(t, "license_key_created", id.EventName)

	p.Meta.EventID = "meta-1"
	assert.Equal(t, "meta-1", Identify(http.Header{}, &p, body).DeliveryID)

	p.Meta.EventID = ""
	id = Identify(http.Header{}, &p, body)
	assert.True(t, strings.HasPrefix(id.DeliveryID, "sha256:"))
	assert.Len(t, id.DeliveryID, len("sha256:")+64)
	assert.Equal(t, id.DeliveryID, Identify(http.Header{}, &p, body).DeliveryID)

	delete(p.Data.Attributes, "updated_at")
	assert.Equal(t, "license_key_updated:license-keys:7", Identify(http.Header{}, &p, body).LogicalKey)

	var empty Payload
	id = Identify(http.Header{}, &empty, []byte("not json"))
	assert.Equal(t, "unknown", id.EventName)
	assert.True(t, strings.HasPrefix(id.LogicalKey, "unknown:sha256:"))
}

func TestLicenseMapping(t *testing.T) {
	p, ok := Parse(licenseBody("7", "KEY-7", "2025-02-01T10:00:00.000000Z", "active"))
	require.True(t, ok)

	l := p.License()
	require.NotNil(t, l)
	assert.Equal(t, "7", l.ID)
	assert.Equal(t, "42", l.ProductID)
	assert.Equal(t, "Alice@Example.com", l.CustomerEmail, "stored as sent")
	assert.Equal(t, HashKey("KEY-7"), l.KeyHash)
	assert.Len(t, l.KeyHash, 64)
	assert.Equal(t, "team", l.Plan)
	assert.Equal(t, 5, l.SeatsTotal)
	assert.Equal(t, 2, l.SeatsUsed)
	assert.Equal(t, true, l.Features["export"])
	assert.Nil(t, l.ValidUntil)
	require.NotNil(t, l.ValidFrom)
	assert.True(t, l.ValidFrom.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, l.UpdatedAt)
	assert.True(t, l.UpdatedAt.Equal(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)))
}

func TestLicenseMappingDefaults(t *testing.T) {
	p, ok := Parse([]byte(`{"data":{"type":"license-keys","id":"9","attributes":{
		"key":"K","activation_limit":0,"instances_count":-3,"disabled":true,"expires_at":"not a date"}}}`))
	require.True(t, ok)

	l := p.License()
	require.NotNil(t, l)
	assert.Equal(t, 1, l.SeatsTotal)
	assert.Equal(t, 0, l.SeatsUsed)
	assert.Equal(t, "standard", l.Plan)
	assert.Equal(t, "disabled", l.Status)
	assert.Nil(t, l.ValidUntil)
	assert.Nil(t, l.UpdatedAt)
	assert.NotNil(t, l.Features)

	p.Data.Attributes["variant_name"] = "Lifetime"
	assert.Equal(t, "Lifetime", p.License().Plan)

	p, _ = Parse([]byte(`{"data":{"type":"orders","id":"3","attributes":{}}}`))
	assert.Nil(t, p.License(), "no key, nothing to snapshot")
}

func TestParseFailureYieldsZeroPayload(t *testing.T) {
	p, ok := Parse([]byte(`{"meta": "oops"`))
	assert.False(t, ok)
	assert.Equal(t, "", p.ResourceID())
	assert.Nil(t, p.License())
}

type fixture struct {
	engine *Engine
	store  store.Store
}

func engines(t *testing.T) map[string]func() fixture {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	build := func(st store.Store) fixture {
		return fixture{
			engine: NewEngine(st, secret, WithClock(func() time.Time { return now }), WithLogger(zap.NewNop())),
			store:  st,
		}
	}
	return map[string]func() fixture{
		"memory": func() fixture { return build(store.NewMemory()) },
		"sqlite": func() fixture {
			s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "webhook.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return build(s)
		},
	}
}

func (f fixture) ingest(t *testing.T, body []byte, delivery string) (*Result, error) {
	t.Helper()
	return f.engine.Ingest(context.Background(), body, Sign(body, secret), headers(delivery))
}

func TestDuplicateDelivery(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			f := open()
			body := licenseBody("1", "KEY-1", "2025-02-01T10:00:00Z", "active")

			res, err := f.ingest(t, body, "evt1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, res.Outcome)
			assert.True(t, res.Changed)

			res, err = f.ingest(t, body, "evt1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicateDelivery, res.Outcome)

			events, err := f.store.WebhookEvents(context.Background(), 10)
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestDuplicateStateUnderNewDeliveryID(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			f := open()
			ctx := context.Background()
			body := licenseBody("1", "KEY-1", "2025-02-01T10:00:00Z", "active")

			res, err := f.ingest(t, body, "evt1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, res.Outcome)
			before, err := f.store.License(ctx, "1")
			require.NoError(t, err)

			res, err = f.ingest(t, body, "evt2")
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicateState, res.Outcome)

			for _, id := range []string{"evt1", "evt2"} {
				ev, err := f.store.WebhookEvent(ctx, id)
				require.NoError(t, err)
				require.NotNil(t, ev, id)
				assert.True(t, ev.Applied)
				assert.Equal(t, body, ev.Payload)
			}

			after, err := f.store.License(ctx, "1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestOlderSnapshotNeverOverwritesNewer(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			f := open()
			ctx := context.Background()

			_, err := f.ingest(t, licenseBody("1", "KEY-1", "2025-02-02T00:00:00Z", "active"), "new")
			require.NoError(t, err)

			res, err := f.ingest(t, licenseBody("1", "KEY-1", "2025-02-01T00:00:00Z", "expired"), "old")
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, res.Outcome)
			assert.False(t, res.Changed)

			got, err := f.store.License(ctx, "1")
			require.NoError(t, err)
			assert.Equal(t, "active", got.Status)
			assert.True(t, got.UpdatedAt.Equal(time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)))

			res, err = f.ingest(t, licenseBody("1", "KEY-1", "2025-02-03T00:00:00Z", "expired"), "newer")
			require.NoError(t, err)
			assert.True(t, res.Changed)
			got, err = f.store.LicenseByKeyHash(ctx, HashKey("KEY-1"))
			require.NoError(t, err)
			assert.Equal(t, "expired", got.Status)
		})
	}
}

func TestConflictRollsBackDelivery(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			f := open()
			ctx := context.Background()

			_, err := f.ingest(t, licenseBody("1", "SHARED", "2025-02-01T00:00:00Z", "active"), "a")
			require.NoError(t, err)

			_, err = f.ingest(t, licenseBody("2", "SHARED", "2025-02-01T00:00:00Z", "active"), "b")
			require.ErrorIs(t, err, store.ErrConflict)

			ev, err := f.store.WebhookEvent(ctx, "b")
			require.NoError(t, err)
			assert.Nil(t, ev, "audit row rolled back with the failed apply")
			lic, err := f.store.License(ctx, "2")
			require.NoError(t, err)
			assert.Nil(t, lic)
		})
	}
}

func TestRejectedDeliveryPersistsNothing(t *testing.T) {
	f := engines(t)["memory"]()
	body := licenseBody("1", "KEY-1", "2025-02-01T00:00:00Z", "active")

	_, err := f.engine.Ingest(context.Background(), body, Sign(body, "wrong"), headers("evt1"))
	require.ErrorIs(t, err, ErrSignatureInvalid)

	events, err := f.store.WebhookEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	noSecret := NewEngine(f.store, "", WithLogger(zap.NewNop()))
	_, err = noSecret.Ingest(context.Background(), body, Sign(body, secret), headers("evt1"))
	require.ErrorIs(t, err, ErrSecretMissing)
}

func TestUnparseableBodyIsRecorded(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			f := open()
			body := []byte("definitely not json")

			res, err := f.ingest(t, body, "")
			require.NoError(t, err)
			assert.Equal(t, OutcomeRecorded, res.Outcome)
			assert.True(t, strings.HasPrefix(res.DeliveryID, "sha256:"))

			ev, err := f.store.WebhookEvent(context.Background(), res.DeliveryID)
			require.NoError(t, err)
			require.NotNil(t, ev)
			assert.Equal(t, "unknown", ev.EventName)
			assert.True(t, ev.Applied)

			res, err = f.ingest(t, body, "")
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicateDelivery, res.Outcome)
		})
	}
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			f := open()
			body := licenseBody("1", "KEY-1", "2025-02-01T00:00:00Z", "active")

			const n = 8
			outcomes := make(chan Outcome, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					// half reuse one delivery id, half arrive under fresh ids
					id := "same"
					if i%2 == 1 {
						id = fmt.Sprintf("fresh-%d", i)
					}
					res, err := f.ingest(t, body, id)
					if assert.NoError(t, err) {
						outcomes <- res.Outcome
					}
				}(i)
			}
			wg.Wait()
			close(outcomes)

			counts := map[Outcome]int{}
			for o := range outcomes {
				counts[o]++
			}
			assert.Equal(t, 1, counts[OutcomeApplied])
			assert.Equal(t, n, counts[OutcomeApplied]+counts[OutcomeDuplicateDelivery]+counts[OutcomeDuplicateState])

			events, err := f.store.WebhookEvents(context.Background(), 20)
			require.NoError(t, err)
			assert.Len(t, events, 1+n/2)
		})
	}
}
