package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsWithSQLite(t *testing.T) {
	t.Setenv("DB_ADAPTER", "sqlite")
	t.Setenv("SIGNING_SECRET", "test-signing-secret")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "3000", c.Port)
	assert.Equal(t, "overwrite", c.DevicePolicy)
	assert.Equal(t, 15*time.Minute, c.MagicRequestTTL)
	assert.Equal(t, int64(2000), c.MaxBodyBytes)
	assert.LessOrEqual(t, c.PollMaxTimeout, MaxPollCeiling)
}

func TestPollCeilingIsHardCapped(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("POLL_MAX_TIMEOUT", "10m")
	t.Setenv("POLL_DEFAULT_TIMEOUT", "9m")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, MaxPollCeiling, c.PollMaxTimeout)
	assert.Equal(t, MaxPollCeiling, c.PollDefaultTimeout)
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENV", "production")
	t.Setenv("SIGNING_SECRET", "")

	_, err := New()
	require.Error(t, err)
}

func TestInvalidValuesRejected(t *testing.T) {
	cases := map[string]map[string]string{
		"policy":   {"DEVICE_POLICY": "share"},
		"adapter":  {"DB_ADAPTER": "mongo"},
		"port":     {"PORT": "http"},
		"duration": {"MAGIC_TOKEN_TTL": "soon"},
		"limiter":  {"RATE_LIMIT_BACKEND": "memcached"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DB_ADAPTER", "memory")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := New()
			require.Error(t, err)
		})
	}
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresHost: "db", PostgresUser: "u", PostgresDB: "lic", PostgresPassword: "p"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=u dbname=lic sslmode=disable password=p", dsn)

	_, err = (&Config{}).BuildPostgresDSN()
	require.Error(t, err)
}
