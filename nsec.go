package zonesigner

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
)

// DenialMode is the authenticated denial-of-existence scheme of a zone.
type DenialMode uint8

const (
	DenialNSEC DenialMode = iota + 1
	DenialNSEC3
)

func (m DenialMode) String() string {
	switch m {
	case DenialNSEC:
		return "nsec"
	case DenialNSEC3:
		return "nsec3"
	default:
		return "none"
	}
}

// ParseDenialMode accepts "nsec" and "nsec3".
func ParseDenialMode(s string) (DenialMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nsec":
		return DenialNSEC, nil
	case "nsec3", "":
		return DenialNSEC3, nil
	}
	return 0, fmt.Errorf("%w: unknown denial mode %q", ErrInvalidPolicy, s)
}

// NSEC3Params are the hashing parameters of an NSEC3 chain. Salt is hex.
type NSEC3Params struct {
	Hash       uint8
	Flags      uint8
	Iterations uint16
	SaltLength uint8
	Salt       string
}

// Denial is the chain configuration a signed version was built with.
type Denial struct {
	Mode  DenialMode
	NSEC3 NSEC3Params
}

// SelectDenial picks NSEC whenever a published key uses an algorithm that is
// only defined for NSEC; otherwise the preferred mode wins.
func SelectDenial(algorithms []uint8, preferred DenialMode) DenialMode {
	for _, alg := range algorithms {
		if !NSEC3Capable(alg) {
			return DenialNSEC
		}
	}
	if preferred == 0 {
		return DenialNSEC3
	}
	return preferred
}

// chooseDenial resolves the mode and, for NSEC3, the parameters. A salt of
// the configured length already used by the previous version is kept so the
// chain is not rehashed on every cycle.
func chooseDenial(algorithms []uint8, policy Policy, previous Denial) (Denial, error) {
	mode := SelectDenial(algorithms, policy.Denial)
	if mode == DenialNSEC {
		return Denial{Mode: DenialNSEC}, nil
	}

	params := NSEC3Params{
		Hash:       dns.SHA1,
		Iterations: policy.NSEC3Iterations,
		SaltLength: policy.NSEC3SaltLength,
	}
	switch {
	case params.SaltLength == 0:
	case previous.Mode == DenialNSEC3 && previous.NSEC3.SaltLength == params.SaltLength && previous.NSEC3.Salt != "":
		params.Salt = previous.NSEC3.Salt
	default:
		salt := make([]byte, params.SaltLength)
		if _, err := rand.Read(salt); err != nil {
			return Denial{}, fmt.Errorf("%w: salt: %v", ErrHashingFailed, err)
		}
		params.Salt = strings.ToUpper(hex.EncodeToString(salt))
	}
	return Denial{Mode: DenialNSEC3, NSEC3: params}, nil
}

// nameHasher memoises NSEC3 owner hashes. Zones are re-evaluated often and
// their name set rarely changes, so most hashes are cache hits.
type nameHasher struct {
	cache *gocache.Cache
	hits  atomic.Uint64
}

func newNameHasher() *nameHasher {
	return &nameHasher{cache: gocache.New(6*time.Hour, 30*time.Minute)}
}

func (h *nameHasher) hash(name string, p NSEC3Params) (string, error) {
	key := name + "|" + strconv.Itoa(int(p.Hash)) + "|" + strconv.Itoa(int(p.Iterations)) + "|" + p.Salt
	if v, ok := h.cache.Get(key); ok {
		h.hits.Add(1)
		return v.(string), nil
	}
	out := dns.HashName(name, p.Hash, p.Iterations, p.Salt)
	if out == "" {
		return "", fmt.Errorf("%w: %s (hash %d)", ErrHashingFailed, name, p.Hash)
	}
	h.cache.SetDefault(key, out)
	return out, nil
}

// Hits returns how many hashes were served from the cache.
func (h *nameHasher) Hits() uint64 {
	return h.hits.Load()
}

// BuildChain builds the NSEC or NSEC3 chain for the authoritative names of a
// zone. names maps each lower-cased owner to the types present there; at
// delegation points only NS and DS are expected. The output is sorted and
// fully determined by its inputs.
func BuildChain(zone string, names map[string][]uint16, denial Denial, ttl uint32, h *nameHasher) ([]dns.RR, error) {
	zone = dns.CanonicalName(zone)
	if h == nil {
		h = newNameHasher()
	}
	switch denial.Mode {
	case DenialNSEC:
		return buildNSEC(zone, names, ttl), nil
	case DenialNSEC3:
		return buildNSEC3(zone, names, denial.NSEC3, ttl, h)
	default:
		return nil, fmt.Errorf("%w: denial mode %d", ErrInvalidPolicy, denial.Mode)
	}
}

func sortedOwners(names map[string][]uint16) []string {
	owners := make([]string, 0, len(names))
	for name := range names {
		owners = append(owners, name)
	}
	sort.Slice(owners, func(i, j int) bool { return canonicalLess(owners[i], owners[j]) })
	return owners
}

func typeBitmap(types []uint16, extra ...uint16) []uint16 {
	seen := map[uint16]bool{}
	var out []uint16
	for _, t := range append(append([]uint16(nil), types...), extra...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// isSignedOwner reports whether some RRset at the owner carries signatures.
// A delegation point holding only NS is the one unsigned case.
func isSignedOwner(zone, name string, types []uint16) bool {
	if name == zone {
		return true
	}
	for _, t := range types {
		if t != dns.TypeNS {
			return true
		}
	}
	return false
}

func buildNSEC(zone string, names map[string][]uint16, ttl uint32) []dns.RR {
	owners := sortedOwners(names)
	out := make([]dns.RR, 0, len(owners))
	for i, owner := range owners {
		next := owners[(i+1)%len(owners)]
		out = append(out, &dns.NSEC{
			Hdr:        dns.RR_Header{Name: owner, Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: ttl},
			NextDomain: next,
			TypeBitMap: typeBitmap(names[owner], dns.TypeRRSIG, dns.TypeNSEC),
		})
	}
	return out
}

func buildNSEC3(zone string, names map[string][]uint16, p NSEC3Params, ttl uint32, h *nameHasher) ([]dns.RR, error) {
	all := make(map[string][]uint16, len(names))
	for name, types := range names {
		all[name] = types
	}
	// Empty non-terminals get an NSEC3 record with an empty bitmap.
	zoneLabels := dns.CountLabel(zone)
	for name := range names {
		labels := dns.SplitDomainName(name)
		for i := 1; len(labels)-i > zoneLabels; i++ {
			parent := dns.Fqdn(strings.Join(labels[i:], "."))
			if _, ok := all[parent]; !ok {
				all[parent] = nil
			}
		}
	}

	type hashed struct {
		hash  string
		types []uint16
	}
	entries := make([]hashed, 0, len(all))
	for name, types := range all {
		hash, err := h.hash(name, p)
		if err != nil {
			return nil, err
		}
		var bitmap []uint16
		switch {
		case len(types) == 0:
		case isSignedOwner(zone, name, types):
			bitmap = typeBitmap(types, dns.TypeRRSIG)
		default:
			bitmap = typeBitmap(types)
		}
		entries = append(entries, hashed{hash: strings.ToLower(hash), types: bitmap})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	out := make([]dns.RR, 0, len(entries))
	for i, e := range entries {
		next := entries[(i+1)%len(entries)]
		out = append(out, &dns.NSEC3{
			Hdr:        dns.RR_Header{Name: e.hash + "." + zone, Rrtype: dns.TypeNSEC3, Class: dns.ClassINET, Ttl: ttl},
			Hash:       p.Hash,
			Flags:      p.Flags,
			Iterations: p.Iterations,
			SaltLength: uint8(len(p.Salt) / 2),
			Salt:       p.Salt,
			HashLength: 20,
			NextDomain: strings.ToUpper(next.hash),
			TypeBitMap: e.types,
		})
	}
	return out, nil
}

// nsec3ParamRecord is the apex NSEC3PARAM announcing the chain parameters.
func nsec3ParamRecord(zone string, p NSEC3Params, ttl uint32) *dns.NSEC3PARAM {
	return &dns.NSEC3PARAM{
		Hdr:        dns.RR_Header{Name: dns.CanonicalName(zone), Rrtype: dns.TypeNSEC3PARAM, Class: dns.ClassINET, Ttl: ttl},
		Hash:       p.Hash,
		Flags:      p.Flags,
		Iterations: p.Iterations,
		SaltLength: uint8(len(p.Salt) / 2),
		Salt:       p.Salt,
	}
}
