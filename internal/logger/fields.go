package logger

import (
	"time"

	"go.uber.org/zap"
)

// HTTP fields.

func Method(v string) zap.Field          { return zap.String("method", v) }
func Path(v string) zap.Field            { return zap.String("path", v) }
func Status(v int) zap.Field             { return zap.Int("status", v) }
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }
func ClientIP(v string) zap.Field        { return zap.String("client_ip", v) }

// Domain fields.

func RequestID(v string) zap.Field  { return zap.String("request_id", v) }
func DeviceID(v string) zap.Field   { return zap.String("device_id", v) }
func Email(v string) zap.Field      { return zap.String("email", v) }
func DeliveryID(v string) zap.Field { return zap.String("delivery_id", v) }
func Event(v string) zap.Field      { return zap.String("event", v) }
func LicenseID(v string) zap.Field  { return zap.String("license_id", v) }
func Outcome(v string) zap.Field    { return zap.String("outcome", v) }

// System fields.

func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field        { return zap.String("op", v) }
func Err(err error) zap.Field      { return zap.Error(err) }
func Count(v int) zap.Field        { return zap.Int("count", v) }

// String and Int are re-exported so callers rarely import zap directly.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
