package zonesigner

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Verify checks a signed version the way a validating resolver would see
// it: every RRSIG verifies against the version's own DNSKEY RRset and is
// inside its validity period, every authoritative RRset is signed, and the
// NSEC or NSEC3 chain is closed. All problems found are joined.
func Verify(z *SignedZone, now time.Time) error {
	if z == nil {
		return ErrZoneNotFound
	}
	if len(z.DNSKEYs()) == 0 {
		return fmt.Errorf("%w (%s:DNSKEY)", ErrDnskeyNotAvailable, z.Zone)
	}

	sets := make(map[RRsetKey][]dns.RR, len(z.rrSets))
	for k, rs := range z.rrSets {
		sets[k] = rs.Records()
	}
	cuts := delegations(z.Zone, sets)

	var errs []error
	for _, rs := range z.RRSets() {
		if !authoritative(z.Zone, rs.Key(), cuts) {
			if rs.IsSigned() {
				errs = append(errs, fmt.Errorf("%w: non-authoritative %s carries RRSIG", ErrInvalidRRsig, rs.Key()))
			}
			continue
		}
		for _, sig := range rs.Signatures() {
			if !strings.EqualFold(sig.SignerName, z.Zone) {
				errs = append(errs, fmt.Errorf("%w: %s signed by %s", ErrInvalidRRsig, rs.Key(), sig.SignerName))
			}
		}
		if err := z.verifyRRSIG(rs, now); err != nil {
			errs = append(errs, fmt.Errorf("%w (%s)", err, rs.Key()))
		}
	}

	switch z.Denial.Mode {
	case DenialNSEC:
		if err := verifyNSECChain(z); err != nil {
			errs = append(errs, err)
		}
	case DenialNSEC3:
		if err := verifyNSEC3Chain(z); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// verifyNSECChain walks NextDomain pointers from the apex and expects to
// visit every NSEC owner exactly once before coming back.
func verifyNSECChain(z *SignedZone) error {
	byOwner := map[string]*dns.NSEC{}
	for _, rr := range z.Chain() {
		if nsec, ok := rr.(*dns.NSEC); ok {
			byOwner[strings.ToLower(nsec.Hdr.Name)] = nsec
		}
	}
	if _, ok := byOwner[z.Zone]; !ok {
		return fmt.Errorf("%w: no NSEC at apex %s", ErrBrokenChain, z.Zone)
	}

	visited := map[string]bool{}
	name := z.Zone
	for {
		nsec, ok := byOwner[name]
		if !ok {
			return fmt.Errorf("%w: NSEC chain points to %s which has no NSEC", ErrBrokenChain, name)
		}
		if visited[name] {
			return fmt.Errorf("%w: NSEC chain loops at %s", ErrBrokenChain, name)
		}
		visited[name] = true
		next := strings.ToLower(nsec.NextDomain)
		if next != z.Zone && !canonicalLess(name, next) {
			return fmt.Errorf("%w: %s is not ordered before %s", ErrBrokenChain, name, next)
		}
		if next == z.Zone {
			break
		}
		name = next
	}
	if len(visited) != len(byOwner) {
		return fmt.Errorf("%w: %d of %d NSEC records reachable from the apex", ErrBrokenChain, len(visited), len(byOwner))
	}
	return nil
}

// verifyNSEC3Chain checks that the hashed owners, sorted, each point to the
// following hash and the last one wraps to the first, and that the apex
// NSEC3PARAM matches the records.
func verifyNSEC3Chain(z *SignedZone) error {
	var records []*dns.NSEC3
	for _, rr := range z.Chain() {
		if n3, ok := rr.(*dns.NSEC3); ok {
			records = append(records, n3)
		}
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: no NSEC3 records in %s", ErrBrokenChain, z.Zone)
	}
	param := z.RRSet(z.Zone, dns.TypeNSEC3PARAM)
	if param == nil {
		return fmt.Errorf("%w: no NSEC3PARAM at %s", ErrBrokenChain, z.Zone)
	}
	p := param.Records()[0].(*dns.NSEC3PARAM)

	hashes := make([]string, len(records))
	for i, n3 := range records {
		hashes[i] = strings.ToUpper(strings.SplitN(n3.Hdr.Name, ".", 2)[0])
		if n3.Iterations != p.Iterations || !strings.EqualFold(n3.Salt, p.Salt) || n3.Hash != p.Hash {
			return fmt.Errorf("%w: %s parameters differ from NSEC3PARAM", ErrBrokenChain, n3.Hdr.Name)
		}
	}
	sort.Strings(hashes)
	next := map[string]string{}
	for _, n3 := range records {
		next[strings.ToUpper(strings.SplitN(n3.Hdr.Name, ".", 2)[0])] = strings.ToUpper(n3.NextDomain)
	}
	for i, h := range hashes {
		want := hashes[(i+1)%len(hashes)]
		if next[h] != want {
			return fmt.Errorf("%w: NSEC3 %s points to %s, want %s", ErrBrokenChain, h, next[h], want)
		}
	}
	apexHash := dns.HashName(z.Zone, p.Hash, p.Iterations, p.Salt)
	if _, ok := next[apexHash]; !ok {
		return fmt.Errorf("%w: apex %s has no NSEC3", ErrBrokenChain, z.Zone)
	}
	return nil
}
