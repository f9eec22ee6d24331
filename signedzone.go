package zonesigner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// SignedZone is one committed signed version of a zone. Versions are never
// modified after commit; the next version shares every unchanged RRSet.
type SignedZone struct {
	Zone       string
	Serial     uint32
	Generation uint64
	Denial     Denial
	SignedAt   time.Time
	rrSets     map[RRsetKey]*RRSet
}

func NewSignedZone(zone string) *SignedZone {
	return &SignedZone{
		Zone:   dns.CanonicalName(zone),
		rrSets: map[RRsetKey]*RRSet{},
	}
}

// SignedZoneFromRecords rebuilds a version from its records, signatures
// included, e.g. after loading it from persistent storage.
func SignedZoneFromRecords(zone string, generation uint64, denial Denial, signedAt time.Time, rrs []dns.RR) (*SignedZone, error) {
	z := NewSignedZone(zone)
	z.Generation = generation
	z.Denial = denial
	z.SignedAt = signedAt

	sets, sigs := groupRRsets(rrs)
	for k, records := range sets {
		rs, err := NewRRSet(records)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
		}
		z.rrSets[k] = rs.withSignatures(sigs[k])
		delete(sigs, k)
	}
	if len(sigs) > 0 {
		orphans := make([]string, 0, len(sigs))
		for k := range sigs {
			orphans = append(orphans, k.String())
		}
		sort.Strings(orphans)
		return nil, fmt.Errorf("%w: RRSIG without RRset at %s", ErrCorruptedState, strings.Join(orphans, ", "))
	}
	if soa := z.SOA(); soa != nil {
		z.Serial = soa.Serial
	}
	return z, nil
}

func (z SignedZone) String() string {
	return fmt.Sprintf("%s serial=%d generation=%d denial=%s rrsets=%d",
		z.Zone, z.Serial, z.Generation, z.Denial.Mode, len(z.rrSets))
}

// clone returns a shallow copy sharing all RRsets.
func (z *SignedZone) clone() *SignedZone {
	out := *z
	out.rrSets = make(map[RRsetKey]*RRSet, len(z.rrSets))
	for k, v := range z.rrSets {
		out.rrSets[k] = v
	}
	return &out
}

func (z *SignedZone) put(rs *RRSet) {
	z.rrSets[rs.Key()] = rs
}

func (z *SignedZone) RRSet(name string, rrtype uint16) *RRSet {
	if z == nil {
		return nil
	}
	return z.rrSets[RRsetKey{Name: strings.ToLower(dns.Fqdn(name)), Type: rrtype}]
}

// RRSets returns all RRsets in canonical owner order, then by type.
func (z *SignedZone) RRSets() []*RRSet {
	out := make([]*RRSet, 0, len(z.rrSets))
	for _, rs := range z.rrSets {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Name != b.Name {
			return canonicalLess(a.Name, b.Name)
		}
		return a.Type < b.Type
	})
	return out
}

// Records flattens the version into records, each RRset followed by its
// signatures.
func (z *SignedZone) Records() []dns.RR {
	var out []dns.RR
	for _, rs := range z.RRSets() {
		out = append(out, rs.Records()...)
		for _, sig := range rs.Signatures() {
			out = append(out, sig)
		}
	}
	return out
}

func (z *SignedZone) SOA() *dns.SOA {
	rs := z.RRSet(z.Zone, dns.TypeSOA)
	if rs == nil || rs.IsEmpty() {
		return nil
	}
	soa, _ := rs.Records()[0].(*dns.SOA)
	return soa
}

func (z *SignedZone) DNSKEYs() []*dns.DNSKEY {
	rs := z.RRSet(z.Zone, dns.TypeDNSKEY)
	if rs == nil {
		return nil
	}
	out := make([]*dns.DNSKEY, 0, len(rs.Records()))
	for _, rr := range rs.Records() {
		if k, ok := rr.(*dns.DNSKEY); ok {
			out = append(out, k)
		}
	}
	return out
}

// Chain returns the NSEC or NSEC3 records in chain order.
func (z *SignedZone) Chain() []dns.RR {
	var out []dns.RR
	for _, rs := range z.RRSets() {
		if rs.Type() == dns.TypeNSEC || rs.Type() == dns.TypeNSEC3 {
			out = append(out, rs.Records()...)
		}
	}
	if z.Denial.Mode == DenialNSEC3 {
		sort.Slice(out, func(i, j int) bool { return out[i].Header().Name < out[j].Header().Name })
	}
	return out
}

// ExpiryMap returns the earliest signature expiration of every signed RRset.
func (z *SignedZone) ExpiryMap(now time.Time) map[RRsetKey]time.Time {
	out := make(map[RRsetKey]time.Time, len(z.rrSets))
	for k, rs := range z.rrSets {
		if exp, ok := rs.EarliestExpiry(now); ok {
			out[k] = exp
		}
	}
	return out
}

// EarliestExpiry returns the soonest signature expiration in the version.
func (z *SignedZone) EarliestExpiry(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, rs := range z.rrSets {
		if exp, ok := rs.EarliestExpiry(now); ok && (!found || exp.Before(earliest)) {
			earliest, found = exp, true
		}
	}
	return earliest, found
}

// Check looks for structural damage that would make the version unsafe to
// build upon: signatures filed under the wrong RRset, a missing SOA, or a
// serial that disagrees with it.
func (z *SignedZone) Check() error {
	soa := z.SOA()
	if soa == nil {
		return fmt.Errorf("%w: %s has no SOA", ErrCorruptedState, z.Zone)
	}
	if soa.Serial != z.Serial {
		return fmt.Errorf("%w: %s serial %d does not match SOA serial %d", ErrCorruptedState, z.Zone, z.Serial, soa.Serial)
	}
	for k, rs := range z.rrSets {
		if rs == nil || rs.IsEmpty() || rs.Key() != k {
			return fmt.Errorf("%w: %s RRset %s misfiled", ErrCorruptedState, z.Zone, k)
		}
		if !dns.IsSubDomain(z.Zone, k.Name) {
			return fmt.Errorf("%w: %s RRset %s outside the zone", ErrCorruptedState, z.Zone, k)
		}
		for _, sig := range rs.Signatures() {
			if sig.TypeCovered != k.Type || !strings.EqualFold(sig.Hdr.Name, k.Name) {
				return fmt.Errorf("%w: %s RRSIG %s/%s filed under %s",
					ErrCorruptedState, z.Zone, sig.Hdr.Name, dns.TypeToString[sig.TypeCovered], k)
			}
		}
	}
	return nil
}

func (z *SignedZone) lookupPubKey(keyTag uint16, alg uint8) []*dns.DNSKEY {
	var out []*dns.DNSKEY
	for _, k := range z.DNSKEYs() {
		if k.Algorithm == alg && k.KeyTag() == keyTag {
			out = append(out, k)
		}
	}
	return out
}

// verifyRRSIG verifies the signatures on a signed RRset against the
// zone's own DNSKEYs and checks their validity period. It returns nil if
// every RRSIG verifies and is currently valid.
func (z *SignedZone) verifyRRSIG(signedRRset *RRSet, now time.Time) (err error) {
	if !signedRRset.IsSigned() {
		return ErrResourceNotSigned
	}

	for _, sig := range signedRRset.Signatures() {
		keys := z.lookupPubKey(sig.KeyTag, sig.Algorithm)
		if len(keys) == 0 {
			return fmt.Errorf("%w: keytag %d for %s", ErrDnskeyNotAvailable, sig.KeyTag, signedRRset.Key())
		}
		var verr error
		for _, key := range keys {
			if verr = sig.Verify(key, signedRRset.Records()); verr == nil {
				break
			}
		}
		if verr != nil {
			return fmt.Errorf("%w: %s keytag %d: %v", ErrRrsigValidationError, signedRRset.Key(), sig.KeyTag, verr)
		}
		if !sig.ValidityPeriod(now) {
			return fmt.Errorf("%w: %s keytag %d", ErrRrsigValidityPeriod, signedRRset.Key(), sig.KeyTag)
		}
	}
	return nil
}
