// Package zonesigner keeps DNSSEC-signed zones valid without operator
// intervention. It walks every key through its publish / activate / retire /
// remove timeline, maintains the NSEC or NSEC3 chain, refreshes RRSIGs before
// they expire and bumps the SOA serial only when the served zone changes.
package zonesigner

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultSignatureLifetime = 30 * 24 * time.Hour
	DefaultInceptionOffset   = time.Hour
	DefaultNSEC3Iterations   = 0

	// maxCommitAttempts bounds how often a cycle is recomputed after losing
	// a compare-and-swap race on the applier.
	maxCommitAttempts = 3
)

// Errors returned by the engine at all levels. Callers match them with
// errors.Is; the wrapping message carries the zone and the offending item.
var (
	ErrContradictoryTimeline = errors.New("contradictory key timeline")
	ErrUnsupportedAlgorithm  = errors.New("unsupported DNSSEC algorithm")
	ErrNoActiveSigner        = errors.New("no active signing key")
	ErrMissingSOA            = errors.New("zone has no SOA at the apex")
	ErrInvalidPolicy         = errors.New("invalid signing policy")
	ErrKeyStoreUnavailable   = errors.New("key store unavailable")
	ErrContentUnavailable    = errors.New("zone content unavailable")
	ErrSigningFailed         = errors.New("signing failed")
	ErrHashingFailed         = errors.New("NSEC3 hashing failed")
	ErrConflict              = errors.New("signed zone was modified concurrently")
	ErrCorruptedState        = errors.New("signed zone state is corrupted")
	ErrZoneNotFound          = errors.New("zone not found")
	ErrInvalidRRsig          = errors.New("invalid RRSIG")
	ErrRrsigValidationError  = errors.New("RR doesn't validate against RRSIG")
	ErrRrsigValidityPeriod   = errors.New("invalid RRSIG validity period")
	ErrDnskeyNotAvailable    = errors.New("DNSKEY RR does not exist")
	ErrResourceNotSigned     = errors.New("resource is not signed with RRSIG")
	ErrBrokenChain           = errors.New("denial-of-existence chain is not closed")
)

// UnreadableVersionError is returned by an Applier whose stored version of
// Zone can not be decoded. Generation is the stored generation a replacement
// has to be committed against; Serial is zero when it is unknown too.
type UnreadableVersionError struct {
	Zone       string
	Generation uint64
	Serial     uint32
	Err        error
}

func (e *UnreadableVersionError) Error() string {
	return fmt.Sprintf("%v: %s at generation %d: %v", ErrCorruptedState, e.Zone, e.Generation, e.Err)
}

func (e *UnreadableVersionError) Unwrap() []error {
	return []error{ErrCorruptedState, e.Err}
}

// ErrorClass tells the scheduler how to react to a failed cycle.
type ErrorClass int

const (
	// ClassTransient failures are retried with backoff; the previous
	// signed version keeps being served.
	ClassTransient ErrorClass = iota
	// ClassConfig failures suspend the zone until the operator fixes the
	// keys, the content or the policy.
	ClassConfig
	// ClassFatal failures raise an alarm on the zone.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Classify maps an error returned by the engine to its class. Unknown errors
// are transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrCorruptedState):
		return ClassFatal
	case errors.Is(err, ErrContradictoryTimeline),
		errors.Is(err, ErrUnsupportedAlgorithm),
		errors.Is(err, ErrNoActiveSigner),
		errors.Is(err, ErrMissingSOA),
		errors.Is(err, ErrInvalidPolicy):
		return ClassConfig
	default:
		return ClassTransient
	}
}
