package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// DNSSEC
// =================================================================================

func Zone(v string) zap.Field {
	return zap.String("zone", v)
}

func KeyID(v string) zap.Field {
	return zap.String("key_id", v)
}

func KeyTag(v uint16) zap.Field {
	return zap.Uint16("key_tag", v)
}

func Serial(v uint32) zap.Field {
	return zap.Uint32("serial", v)
}

func Generation(v uint64) zap.Field {
	return zap.Uint64("generation", v)
}

// CycleID identifies one signing cycle across engine and store logs.
func CycleID(v string) zap.Field {
	return zap.String("cycle_id", v)
}

// Reason is why a zone was woken: key transition, refresh, trigger, retry.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

func Wake(v time.Time) zap.Field {
	return zap.Time("next_wake", v)
}

// =================================================================================
// SYSTEM
// =================================================================================

func Component(v string) zap.Field {
	return zap.String("component", v)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// =================================================================================
// DATA
// =================================================================================

func Count(v int) zap.Field {
	return zap.Int("count", v)
}

func Path(v string) zap.Field {
	return zap.String("path", v)
}

func Method(v string) zap.Field {
	return zap.String("method", v)
}

func Status(v int) zap.Field {
	return zap.Int("status", v)
}

func String(key, v string) zap.Field {
	return zap.String(key, v)
}

func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}
