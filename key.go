package zonesigner

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Role says which RRsets a key signs.
type Role uint8

const (
	RoleZSK Role = iota + 1
	RoleKSK
	RoleCSK
)

func (r Role) String() string {
	switch r {
	case RoleZSK:
		return "ZSK"
	case RoleKSK:
		return "KSK"
	case RoleCSK:
		return "CSK"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole accepts "zsk", "ksk" and "csk" in any case.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ZSK":
		return RoleZSK, nil
	case "KSK":
		return RoleKSK, nil
	case "CSK":
		return RoleCSK, nil
	}
	return 0, fmt.Errorf("unknown key role %q", s)
}

// Key is one signing key of a zone together with its lifecycle timeline.
// PrivateKey is handed to the Signer unmodified.
type Key struct {
	ID         string
	Zone       string
	Role       Role
	DNSKEY     *dns.DNSKEY
	PrivateKey crypto.Signer
	Timeline   Timeline
}

func (k *Key) Algorithm() uint8 {
	if k.DNSKEY == nil {
		return 0
	}
	return k.DNSKEY.Algorithm
}

func (k *Key) KeyTag() uint16 {
	if k.DNSKEY == nil {
		return 0
	}
	return k.DNSKEY.KeyTag()
}

func (k *Key) signsKeys() bool { return k.Role == RoleKSK || k.Role == RoleCSK }
func (k *Key) signsZone() bool { return k.Role == RoleZSK || k.Role == RoleCSK }

func (k *Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.ID, k.Role, k.KeyTag())
}

// StateAt is a shortcut for k.Timeline.StateAt.
func (k *Key) StateAt(now time.Time) State {
	return k.Timeline.StateAt(now)
}

// Validate rejects keys the engine can not use: unknown roles or
// algorithms, and contradictory timelines.
func (k *Key) Validate() error {
	if k.DNSKEY == nil {
		return fmt.Errorf("%w: key %s has no public key", ErrUnsupportedAlgorithm, k.ID)
	}
	if k.Role < RoleZSK || k.Role > RoleCSK {
		return fmt.Errorf("%w: key %s has no role", ErrUnsupportedAlgorithm, k.ID)
	}
	if !AlgorithmSupported(k.Algorithm()) {
		return fmt.Errorf("%w: key %s uses %s", ErrUnsupportedAlgorithm, k.ID, algorithmName(k.Algorithm()))
	}
	if err := k.Timeline.Validate(); err != nil {
		return fmt.Errorf("key %s: %w", k.ID, err)
	}
	return nil
}

// nsec3Capable lists the algorithms the engine understands. The value
// reports whether the algorithm may be used with NSEC3 (RFC 5155 §2).
var nsec3Capable = map[uint8]bool{
	dns.RSAMD5:           false,
	dns.DH:               false,
	dns.DSA:              false,
	dns.RSASHA1:          false,
	dns.DSANSEC3SHA1:     true,
	dns.RSASHA1NSEC3SHA1: true,
	dns.RSASHA256:        true,
	dns.RSASHA512:        true,
	dns.ECCGOST:          true,
	dns.ECDSAP256SHA256:  true,
	dns.ECDSAP384SHA384:  true,
	dns.ED25519:          true,
	dns.ED448:            true,
}

// AlgorithmSupported reports whether alg is a known DNSSEC algorithm.
func AlgorithmSupported(alg uint8) bool {
	_, ok := nsec3Capable[alg]
	return ok
}

// NSEC3Capable reports whether alg may be used in an NSEC3-signed zone.
func NSEC3Capable(alg uint8) bool {
	return nsec3Capable[alg]
}

func algorithmName(alg uint8) string {
	if s, ok := dns.AlgorithmToString[alg]; ok {
		return s
	}
	return fmt.Sprintf("algorithm %d", alg)
}
