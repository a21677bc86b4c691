package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/licensing/internal/store"
)

// Payload is the subset of a Lemon Squeezy webhook body the engine reads.
// Attributes stay untyped since their shape depends on the resource type.
type Payload struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		EventID    string         `json:"event_id"`
		WebhookID  string         `json:"webhook_id"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string         `json:"type"`
		ID         any            `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
}

// Parse decodes raw. A body that is not a JSON object of the expected shape
// yields the zero Payload and ok=false; the delivery is still recorded.
func Parse(raw []byte) (p Payload, ok bool) {
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, false
	}
	return p, true
}

// ResourceID returns data.id as a string, whether the provider sent it as a
// string or a number.
func (p *Payload) ResourceID() string {
	return scalar(p.Data.ID)
}

// Identity names one delivery.
type Identity struct {
	DeliveryID string
	EventName  string
	LogicalKey string
}

var deliveryHeaders = []string{"X-Delivery-Id", "X-Event-Id", "X-Request-Id"}

// Identify derives the delivery id, event name and logical business key.
// Headers win over body fields; the raw body digest is the last resort for
// the delivery id.
func Identify(h http.Header, p *Payload, raw []byte) Identity {
	var id Identity
	for _, name := range deliveryHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			id.DeliveryID = v
			break
		}
	}
	if id.DeliveryID == "" {
		id.DeliveryID = strings.TrimSpace(p.Meta.EventID)
	}
	if id.DeliveryID == "" {
		id.DeliveryID = "sha256:" + digest(raw)
	}

	id.EventName = strings.TrimSpace(h.Get("X-Event-Name"))
	if id.EventName == "" {
		id.EventName = strings.TrimSpace(p.Meta.EventName)
	}
	if id.EventName == "" {
		id.EventName = "unknown"
	}

	rid := p.ResourceID()
	switch {
	case rid == "":
		id.LogicalKey = id.EventName + ":sha256:" + digest(raw)
	case str(p.Data.Attributes, "updated_at") != "":
		id.LogicalKey = fmt.Sprintf("%s:%s:%s:%s", id.EventName, p.Data.Type, rid, str(p.Data.Attributes, "updated_at"))
	default:
		id.LogicalKey = fmt.Sprintf("%s:%s:%s", id.EventName, p.Data.Type, rid)
	}
	return id
}

// License maps the payload onto a snapshot. It returns nil when the resource
// carries no id or no license key.
func (p *Payload) License() *store.License {
	a := p.Data.Attributes
	id := p.ResourceID()
	key := str(a, "key")
	if id == "" || key == "" {
		return nil
	}

	l := &store.License{
		ID:            id,
		ProductID:     scalar(a["product_id"]),
		Key:           key,
		KeyHash:       HashKey(key),
		CustomerEmail: str(a, "user_email"),
		Status:        str(a, "status"),
		Plan:          str(a, "variant_name"),
		SeatsTotal:    integer(a, "activation_limit", 1),
		SeatsUsed:     integer(a, "instances_count", 0),
		ValidFrom:     date(a, "starts_at", "created_at"),
		ValidUntil:    date(a, "expires_at", "ends_at"),
		UpdatedAt:     date(a, "updated_at"),
	}
	if b, ok := a["disabled"].(bool); ok && b {
		l.Status = "disabled"
	}
	if l.Status == "" {
		l.Status = "active"
	}
	if l.SeatsTotal < 1 {
		l.SeatsTotal = 1
	}
	if l.SeatsUsed < 0 {
		l.SeatsUsed = 0
	}
	if l.Plan == "" {
		l.Plan = str(p.Meta.CustomData, "plan")
	}
	if l.Plan == "" {
		l.Plan = "standard"
	}
	if f, ok := p.Meta.CustomData["features"].(map[string]any); ok {
		l.Features = f
	} else {
		l.Features = map[string]any{}
	}
	return l
}

// HashKey is the lookup hash stored next to a license key.
func HashKey(key string) string {
	return digest([]byte(key))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func str(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return strings.TrimSpace(s)
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func integer(m map[string]any, k string, def int) int {
	switch x := m[k].(type) {
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
	}
	return def
}

// date returns the first key holding a parseable RFC 3339 timestamp.
func date(m map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		s := str(m, k)
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
