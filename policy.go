package zonesigner

import (
	"fmt"
	"strings"
	"time"
)

// SerialPolicy decides how the SOA serial moves when a new version is
// applied.
type SerialPolicy uint8

const (
	SerialIncrement SerialPolicy = iota
	SerialUnixTime
)

func (p SerialPolicy) String() string {
	if p == SerialUnixTime {
		return "unixtime"
	}
	return "increment"
}

func ParseSerialPolicy(s string) (SerialPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "increment":
		return SerialIncrement, nil
	case "unixtime":
		return SerialUnixTime, nil
	}
	return 0, fmt.Errorf("%w: unknown serial policy %q", ErrInvalidPolicy, s)
}

// Policy carries the per-zone signing parameters.
type Policy struct {
	SignatureLifetime time.Duration
	// RefreshBefore is how long before expiry a signature is replaced.
	// Zero means a tenth of SignatureLifetime.
	RefreshBefore   time.Duration
	InceptionOffset time.Duration
	Denial          DenialMode
	NSEC3Iterations uint16
	NSEC3SaltLength uint8
	// DNSKEYTTL of zero uses the SOA TTL.
	DNSKEYTTL uint32
	Serial    SerialPolicy
}

func DefaultPolicy() Policy {
	return Policy{
		SignatureLifetime: DefaultSignatureLifetime,
		InceptionOffset:   DefaultInceptionOffset,
		Denial:            DenialNSEC3,
		NSEC3Iterations:   DefaultNSEC3Iterations,
		Serial:            SerialIncrement,
	}
}

func (p Policy) refreshBefore() time.Duration {
	if p.RefreshBefore > 0 {
		return p.RefreshBefore
	}
	return p.SignatureLifetime / 10
}

// Validate rejects policies under which signatures would be refreshed
// immediately after being made.
func (p Policy) Validate() error {
	if p.SignatureLifetime <= 0 {
		return fmt.Errorf("%w: signature lifetime must be positive", ErrInvalidPolicy)
	}
	if p.refreshBefore() >= p.SignatureLifetime {
		return fmt.Errorf("%w: refresh-before %s not below lifetime %s", ErrInvalidPolicy, p.refreshBefore(), p.SignatureLifetime)
	}
	if p.InceptionOffset < 0 {
		return fmt.Errorf("%w: negative inception offset", ErrInvalidPolicy)
	}
	if p.Denial != DenialNSEC && p.Denial != DenialNSEC3 {
		return fmt.Errorf("%w: denial mode %d", ErrInvalidPolicy, p.Denial)
	}
	return nil
}

// nextSerial returns the serial for a newly applied version. base is the
// last served serial; content is the serial found in the zone content,
// taken over when it is ahead. The result is always greater than base in
// serial number arithmetic (RFC 1982).
func (p Policy) nextSerial(base, content uint32, now time.Time) uint32 {
	if serialGreater(content, base) {
		base = content
	}
	next := base + 1
	if p.Serial == SerialUnixTime {
		if candidate := uint32(now.Unix()); serialGreater(candidate, base) {
			next = candidate
		}
	}
	return next
}

// serialGreater reports a > b under RFC 1982 arithmetic.
func serialGreater(a, b uint32) bool {
	return a != b && int32(a-b) > 0
}
