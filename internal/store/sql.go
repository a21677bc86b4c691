package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures what differs between the SQL adapters. Queries are written
// once with ? placeholders.
type dialect struct {
	name       string
	numbered   bool
	isConflict func(error) bool
}

func (d dialect) bind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) classify(err error) error {
	if err == nil {
		return nil
	}
	if d.isConflict != nil && d.isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlDB implements Store on database/sql.
type sqlDB struct {
	db *sql.DB
	d  dialect
	q  sqlQueries
}

// sqlQueries holds the statements shared by Store and Tx.
type sqlQueries struct {
	x execer
	d dialect
}

type sqlTx struct {
	sqlQueries
}

func newSQLDB(db *sql.DB, d dialect) *sqlDB {
	return &sqlDB{db: db, d: d, q: sqlQueries{x: db, d: d}}
}

func (s *sqlDB) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlTx{sqlQueries{x: tx, d: s.d}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.d.classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *sqlDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlDB) Close() error                   { return s.db.Close() }

func (q sqlQueries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.x.ExecContext(ctx, q.d.bind(query), args...)
	return res, q.d.classify(err)
}

func (q sqlQueries) row(ctx context.Context, query string, args ...any) *sql.Row {
	return q.x.QueryRowContext(ctx, q.d.bind(query), args...)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Magic requests

const magicColumns = `id,token_id,email,device_id,status,expires_at,used_at,created_at`

func scanMagicRequest(row interface{ Scan(...any) error }) (*MagicRequest, error) {
	var r MagicRequest
	var status string
	var expires, created int64
	var used sql.NullInt64
	if err := row.Scan(&r.ID, &r.TokenID, &r.Email, &r.DeviceID, &status, &expires, &used, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.ExpiresAt = fromMillis(expires)
	r.CreatedAt = fromMillis(created)
	if used.Valid {
		t := fromMillis(used.Int64)
		r.UsedAt = &t
	}
	return &r, nil
}

func (s *sqlDB) CreateMagicRequest(ctx context.Context, r *MagicRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	_, err := s.q.exec(ctx, `INSERT INTO magic_requests(`+magicColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.TokenID, r.Email, r.DeviceID, string(r.Status), toMillis(r.ExpiresAt), toNullMillis(r.UsedAt), toMillis(r.CreatedAt))
	return err
}

func (s *sqlDB) MagicRequestByID(ctx context.Context, id string) (*MagicRequest, error) {
	return scanMagicRequest(s.q.row(ctx, `SELECT `+magicColumns+` FROM magic_requests WHERE id = ?`, id))
}

func (s *sqlDB) MagicRequestByTokenID(ctx context.Context, tokenID string) (*MagicRequest, error) {
	return scanMagicRequest(s.q.row(ctx, `SELECT `+magicColumns+` FROM magic_requests WHERE token_id = ?`, tokenID))
}

func (s *sqlDB) ExpireMagicRequest(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.q.exec(ctx, `UPDATE magic_requests SET status = 'expired' WHERE id = ? AND status = 'pending' AND expires_at <= ?`, id, toMillis(now))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *sqlDB) PurgeMagicRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := toMillis(cutoff)
	res, err := s.q.exec(ctx, `DELETE FROM magic_requests WHERE created_at < ? AND (status <> 'pending' OR expires_at < ?)`, ms, ms)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) MarkMagicRequestVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	ms := toMillis(now)
	res, err := t.exec(ctx, `UPDATE magic_requests SET status = 'verified', used_at = ? WHERE id = ? AND status = 'pending' AND expires_at > ?`, ms, id, ms)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Users and activations

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

func (s *sqlDB) UserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.q.row(ctx, `SELECT id,email,created_at FROM users WHERE id = ?`, id))
}

func (s *sqlDB) UserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.q.row(ctx, `SELECT id,email,created_at FROM users WHERE email = ?`, email))
}

func (t *sqlTx) UpsertUser(ctx context.Context, email string, now time.Time) (*User, error) {
	if _, err := t.exec(ctx, `INSERT INTO users(id,email,created_at) VALUES(?,?,?) ON CONFLICT(email) DO NOTHING`,
		uuid.NewString(), email, toMillis(now)); err != nil {
		return nil, err
	}
	u, err := scanUser(t.row(ctx, `SELECT id,email,created_at FROM users WHERE email = ?`, email))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("upsert user %q: row missing after insert", email)
	}
	return u, nil
}

const activationColumns = `id,user_id,device_id,created_at,updated_at`

func scanActivation(row *sql.Row) (*Activation, error) {
	var a Activation
	var created, updated int64
	if err := row.Scan(&a.ID, &a.UserID, &a.DeviceID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func (q sqlQueries) activationBy(ctx context.Context, column, value string) (*Activation, error) {
	return scanActivation(q.row(ctx, `SELECT `+activationColumns+` FROM activations WHERE `+column+` = ?`, value))
}

func (s *sqlDB) ActivationByDevice(ctx context.Context, deviceID string) (*Activation, error) {
	return s.q.activationBy(ctx, "device_id", deviceID)
}

func (t *sqlTx) ActivationByDevice(ctx context.Context, deviceID string) (*Activation, error) {
	return t.activationBy(ctx, "device_id", deviceID)
}

func (t *sqlTx) ActivationByUser(ctx context.Context, userID string) (*Activation, error) {
	return t.activationBy(ctx, "user_id", userID)
}

func (t *sqlTx) CreateActivation(ctx context.Context, a *Activation) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	res, err := t.exec(ctx, `INSERT INTO activations(`+activationColumns+`) VALUES(?,?,?,?,?) ON CONFLICT(user_id) DO NOTHING`,
		a.ID, a.UserID, a.DeviceID, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *sqlTx) UpdateActivationDevice(ctx context.Context, id, deviceID string, now time.Time) error {
	res, err := t.exec(ctx, `UPDATE activations SET device_id = ?, updated_at = ? WHERE id = ?`, deviceID, toMillis(now), id)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("activation %s not found", id)
	}
	return nil
}

// Licenses

const licenseColumns = `id,product_id,license_key,key_hash,customer_email,status,plan,seats_total,seats_used,valid_from,valid_until,features,updated_at,created_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	var l License
	var from, until, updated sql.NullInt64
	var features string
	var created int64
	if err := row.Scan(&l.ID, &l.ProductID, &l.Key, &l.KeyHash, &l.CustomerEmail, &l.Status, &l.Plan,
		&l.SeatsTotal, &l.SeatsUsed, &from, &until, &features, &updated, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.ValidFrom = nullTime(from)
	l.ValidUntil = nullTime(until)
	l.UpdatedAt = nullTime(updated)
	l.CreatedAt = fromMillis(created)
	l.Features = map[string]any{}
	if features != "" {
		if err := json.Unmarshal([]byte(features), &l.Features); err != nil {
			return nil, fmt.Errorf("license %s features: %w", l.ID, err)
		}
	}
	return &l, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func (s *sqlDB) License(ctx context.Context, id string) (*License, error) {
	return scanLicense(s.q.row(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id))
}

func (s *sqlDB) LicenseByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	return scanLicense(s.q.row(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ?`, keyHash))
}

func (s *sqlDB) LicensesByEmail(ctx context.Context, email string) ([]*License, error) {
	rows, err := s.q.x.QueryContext(ctx, s.d.bind(`SELECT `+licenseColumns+` FROM licenses WHERE lower(customer_email) = lower(?) ORDER BY created_at, id`), email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertLicense(ctx context.Context, l *License, now time.Time) (bool, error) {
	features, err := json.Marshal(orEmpty(l.Features))
	if err != nil {
		return false, fmt.Errorf("license %s features: %w", l.ID, err)
	}
	res, err := t.exec(ctx, `INSERT INTO licenses(`+licenseColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	product_id = excluded.product_id,
	license_key = excluded.license_key,
	key_hash = excluded.key_hash,
	customer_email = excluded.customer_email,
	status = excluded.status,
	plan = excluded.plan,
	seats_total = excluded.seats_total,
	seats_used = excluded.seats_used,
	valid_from = excluded.valid_from,
	valid_until = excluded.valid_until,
	features = excluded.features,
	updated_at = COALESCE(excluded.updated_at, licenses.updated_at)
WHERE licenses.updated_at IS NULL OR excluded.updated_at IS NULL OR licenses.updated_at < excluded.updated_at`,
		l.ID, l.ProductID, l.Key, l.KeyHash, l.CustomerEmail, l.Status, l.Plan, l.SeatsTotal, l.SeatsUsed,
		toNullMillis(l.ValidFrom), toNullMillis(l.ValidUntil), string(features), toNullMillis(l.UpdatedAt), toMillis(now))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Webhook audit

func (t *sqlTx) InsertEventIfAbsent(ctx context.Context, e *WebhookEvent) (bool, error) {
	res, err := t.exec(ctx, `INSERT INTO webhook_events(id,received_at,event_name,payload,applied) VALUES(?,?,?,?,FALSE) ON CONFLICT(id) DO NOTHING`,
		e.ID, toMillis(e.ReceivedAt), e.EventName, e.Payload)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *sqlTx) ClaimLogicalKey(ctx context.Context, key, deliveryID string, now time.Time) (bool, error) {
	res, err := t.exec(ctx, `INSERT INTO applied_logical_keys(logical_key,delivery_id,applied_at) VALUES(?,?,?) ON CONFLICT(logical_key) DO NOTHING`,
		key, deliveryID, toMillis(now))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *sqlTx) MarkEventApplied(ctx context.Context, id string) error {
	_, err := t.exec(ctx, `UPDATE webhook_events SET applied = TRUE WHERE id = ?`, id)
	return err
}

func scanEvent(row interface{ Scan(...any) error }) (*WebhookEvent, error) {
	var e WebhookEvent
	var received int64
	if err := row.Scan(&e.ID, &received, &e.EventName, &e.Payload, &e.Applied); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.ReceivedAt = fromMillis(received)
	return &e, nil
}

func (s *sqlDB) WebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	return scanEvent(s.q.row(ctx, `SELECT id,received_at,event_name,payload,applied FROM webhook_events WHERE id = ?`, id))
}

func (s *sqlDB) WebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.x.QueryContext(ctx, s.d.bind(`SELECT id,received_at,event_name,payload,applied FROM webhook_events ORDER BY received_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
