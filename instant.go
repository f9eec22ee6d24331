package zonesigner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// InstantKind distinguishes "never" from "now" from a concrete point in time.
type InstantKind uint8

const (
	Unset InstantKind = iota
	Immediate
	At
)

// Instant is a lifecycle timestamp. The zero value is Unset ("never").
type Instant struct {
	kind InstantKind
	at   time.Time
}

// Now returns the Immediate sentinel: reached at every evaluation.
func Now() Instant {
	return Instant{kind: Immediate}
}

// InstantAt returns an instant fixed at t.
func InstantAt(t time.Time) Instant {
	return Instant{kind: At, at: t.UTC()}
}

func (i Instant) Kind() InstantKind { return i.kind }
func (i Instant) IsSet() bool { return i.kind != Unset }

// Time returns the concrete time of an At instant.
func (i Instant) Time() (time.Time, bool) {
	if i.kind != At {
		return time.Time{}, false
	}
	return i.at, true
}

// Reached reports whether the instant lies at or before now.
func (i Instant) Reached(now time.Time) bool {
	switch i.kind {
	case Immediate:
		return true
	case At:
		return !now.Before(i.at)
	default:
		return false
	}
}

func (i Instant) String() string {
	switch i.kind {
	case Immediate:
		return "0"
	case At:
		return i.at.Format(time.RFC3339)
	default:
		return "never"
	}
}

var relativeOffset = regexp.MustCompile(`^([+-])(\d+)(y|mo|w|d|h|mi|s)?$`)

var offsetUnits = map[string]time.Duration{
	"y":  365 * 24 * time.Hour,
	"mo": 30 * 24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"d":  24 * time.Hour,
	"h":  time.Hour,
	"mi": time.Minute,
	"s":  time.Second,
	"":   time.Second,
}

// ParseInstant parses a key timestamp as written in key metadata:
//
//	""  or "never"        Unset
//	"0" or "now"          Immediate
//	"+7d", "-10y", "+2h30m" relative to base
//	RFC 3339 or unix epoch seconds
//
// Relative values are resolved against base once, at read time.
func ParseInstant(s string, base time.Time) (Instant, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "never", "-":
		return Instant{}, nil
	case "0", "now":
		return Now(), nil
	}

	if s[0] == '+' || s[0] == '-' {
		if m := relativeOffset.FindStringSubmatch(s); m != nil {
			n, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return Instant{}, fmt.Errorf("invalid offset %q: %w", s, err)
			}
			d := time.Duration(n) * offsetUnits[m[3]]
			if m[1] == "-" {
				d = -d
			}
			return InstantAt(base.Add(d)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return Instant{}, fmt.Errorf("invalid offset %q: %w", s, err)
		}
		return InstantAt(base.Add(d)), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return InstantAt(t), nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return InstantAt(time.Unix(secs, 0)), nil
	}
	return Instant{}, fmt.Errorf("invalid timestamp %q", s)
}
