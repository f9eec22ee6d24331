package zonesigner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// RRsetKey identifies an RRset inside a zone. Name is always lower case.
type RRsetKey struct {
	Name string
	Type uint16
}

func (k RRsetKey) String() string {
	return k.Name + "/" + dns.TypeToString[k.Type]
}

// RRSet is an immutable RRset with its signatures. Signed versions share
// RRSet values, so nothing may modify one after construction.
type RRSet struct {
	key         RRsetKey
	rrSet       []dns.RR
	rrSigs      []*dns.RRSIG
	fingerprint uint64
}

// NewRRSet builds an RRset from records sharing owner and type. The records
// are kept in canonical order.
func NewRRSet(rrs []dns.RR) (*RRSet, error) {
	if len(rrs) == 0 {
		return nil, fmt.Errorf("empty RRset")
	}
	h := rrs[0].Header()
	key := RRsetKey{Name: strings.ToLower(h.Name), Type: h.Rrtype}
	sorted := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if !strings.EqualFold(rr.Header().Name, key.Name) || rr.Header().Rrtype != key.Type {
			return nil, fmt.Errorf("record %s does not belong to RRset %s", rr.Header().Name, key)
		}
		sorted = append(sorted, rr)
	}
	sortRecords(sorted)
	return &RRSet{
		key:         key,
		rrSet:       sorted,
		fingerprint: fingerprint(sorted),
	}, nil
}

func (sRRset *RRSet) Key() RRsetKey { return sRRset.key }
func (sRRset *RRSet) Name() string { return sRRset.key.Name }
func (sRRset *RRSet) Type() uint16 { return sRRset.key.Type }
func (sRRset *RRSet) Records() []dns.RR { return sRRset.rrSet }
func (sRRset *RRSet) Signatures() []*dns.RRSIG { return sRRset.rrSigs }
func (sRRset *RRSet) Fingerprint() uint64 { return sRRset.fingerprint }

func (sRRset *RRSet) IsSigned() bool {
	return len(sRRset.rrSigs) > 0
}

func (sRRset *RRSet) IsEmpty() bool {
	return len(sRRset.rrSet) < 1
}

func (sRRset *RRSet) TTL() uint32 {
	return sRRset.rrSet[0].Header().Ttl
}

// withSignatures returns a copy of the RRset carrying sigs instead of the
// current signatures.
func (sRRset *RRSet) withSignatures(sigs []*dns.RRSIG) *RRSet {
	out := *sRRset
	out.rrSigs = append([]*dns.RRSIG(nil), sigs...)
	sort.Slice(out.rrSigs, func(i, j int) bool {
		a, b := out.rrSigs[i], out.rrSigs[j]
		if a.Algorithm != b.Algorithm {
			return a.Algorithm < b.Algorithm
		}
		return a.KeyTag < b.KeyTag
	})
	return &out
}

// signatureBy returns the signature made by the key with the given
// algorithm and keytag, if any.
func (sRRset *RRSet) signatureBy(alg uint8, tag uint16) *dns.RRSIG {
	for _, sig := range sRRset.rrSigs {
		if sig.Algorithm == alg && sig.KeyTag == tag {
			return sig
		}
	}
	return nil
}

// EarliestExpiry returns the soonest expiration among the signatures.
func (sRRset *RRSet) EarliestExpiry(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, sig := range sRRset.rrSigs {
		exp := signatureTime(sig.Expiration, now)
		if !found || exp.Before(earliest) {
			earliest, found = exp, true
		}
	}
	return earliest, found
}

// sameData compares record content the way the decision engine does: owner
// and embedded domain names are case-insensitive, except for chain records
// whose rdata is compared exactly. For SOA the serial is ignored.
func (sRRset *RRSet) sameData(other *RRSet) bool {
	if sRRset == nil || other == nil {
		return sRRset == other
	}
	if sRRset.key != other.key {
		return false
	}
	if sRRset.key.Type == dns.TypeSOA {
		return fingerprint(soaWithoutSerial(sRRset.rrSet)) == fingerprint(soaWithoutSerial(other.rrSet))
	}
	return sRRset.fingerprint == other.fingerprint
}

func soaWithoutSerial(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			c := dns.Copy(soa).(*dns.SOA)
			c.Serial = 0
			rr = c
		}
		out[i] = rr
	}
	return out
}

// fingerprint hashes the presentation form of records in canonical order.
func fingerprint(rrs []dns.RR) uint64 {
	lines := make([]string, len(rrs))
	for i, rr := range rrs {
		lines[i] = canonicalString(rr)
	}
	sort.Strings(lines)
	d := xxhash.New()
	for _, l := range lines {
		_, _ = d.WriteString(l)
		_, _ = d.WriteString("\n")
	}
	return d.Sum64()
}

// canonicalString renders rr with its owner and the domain names embedded in
// rdata lowered, following RFC 4034 §6.2 as amended by RFC 6840 §5.1. NSEC
// and NSEC3 rdata keep their case.
func canonicalString(rr dns.RR) string {
	c := dns.Copy(rr)
	h := c.Header()
	h.Name = strings.ToLower(h.Name)
	switch t := c.(type) {
	case *dns.NS:
		t.Ns = strings.ToLower(t.Ns)
	case *dns.CNAME:
		t.Target = strings.ToLower(t.Target)
	case *dns.DNAME:
		t.Target = strings.ToLower(t.Target)
	case *dns.PTR:
		t.Ptr = strings.ToLower(t.Ptr)
	case *dns.MX:
		t.Mx = strings.ToLower(t.Mx)
	case *dns.SOA:
		t.Ns = strings.ToLower(t.Ns)
		t.Mbox = strings.ToLower(t.Mbox)
	case *dns.SRV:
		t.Target = strings.ToLower(t.Target)
	case *dns.NAPTR:
		t.Replacement = strings.ToLower(t.Replacement)
	case *dns.KX:
		t.Exchanger = strings.ToLower(t.Exchanger)
	case *dns.AFSDB:
		t.Hostname = strings.ToLower(t.Hostname)
	case *dns.RT:
		t.Host = strings.ToLower(t.Host)
	}
	return c.String()
}

// sortRecords orders records by their presentation form.
func sortRecords(rrs []dns.RR) {
	sort.SliceStable(rrs, func(i, j int) bool {
		return canonicalString(rrs[i]) < canonicalString(rrs[j])
	})
}

// groupRRsets splits records into RRsets keyed by lower-cased owner and
// type. RRSIGs are attached to the RRset they cover.
func groupRRsets(rrs []dns.RR) (map[RRsetKey][]dns.RR, map[RRsetKey][]*dns.RRSIG) {
	sets := map[RRsetKey][]dns.RR{}
	sigs := map[RRsetKey][]*dns.RRSIG{}
	for _, rr := range rrs {
		if rr == nil {
			continue
		}
		name := strings.ToLower(rr.Header().Name)
		switch t := rr.(type) {
		case *dns.RRSIG:
			k := RRsetKey{Name: name, Type: t.TypeCovered}
			sigs[k] = append(sigs[k], t)
		default:
			k := RRsetKey{Name: name, Type: rr.Header().Rrtype}
			sets[k] = append(sets[k], rr)
		}
	}
	return sets, sigs
}

// canonicalLess orders owner names per RFC 4034 §6.1: label by label from
// the root, each label compared as lower-cased bytes.
func canonicalLess(d0, d1 string) bool {
	d0Components := dns.SplitDomainName(strings.ToLower(d0))
	d1Components := dns.SplitDomainName(strings.ToLower(d1))
	for i := 0; i < min(len(d0Components), len(d1Components)); i++ {
		l0 := d0Components[len(d0Components)-i-1]
		l1 := d1Components[len(d1Components)-i-1]
		if l0 < l1 {
			return true
		} else if l0 > l1 {
			return false
		}
	}
	return len(d0Components) < len(d1Components)
}

// signatureTime converts an RRSIG timestamp to absolute time, choosing the
// 2^32 second window closest to now (RFC 4034 §3.1.5).
func signatureTime(v uint32, now time.Time) time.Time {
	const window = int64(1) << 32
	t := int64(v)
	n := now.Unix()
	for t+window/2 < n {
		t += window
	}
	for t-window/2 > n {
		t -= window
	}
	return time.Unix(t, 0).UTC()
}
