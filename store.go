package zonesigner

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// KeyStore lists the signing keys of a zone. Each call returns an
// independent snapshot.
type KeyStore interface {
	ListKeys(ctx context.Context, zone string) ([]Key, error)
}

// ContentProvider returns the unsigned content of a zone.
type ContentProvider interface {
	Snapshot(ctx context.Context, zone string) (*ZoneContent, error)
}

// Applier holds the last committed signed version of each zone.
//
// Current returns nil and no error for a zone that was never signed.
// Commit installs next only if the stored version still has generation
// expected (zero for none); otherwise it returns ErrConflict.
type Applier interface {
	Current(ctx context.Context, zone string) (*SignedZone, error)
	Commit(ctx context.Context, zone string, expected uint64, next *SignedZone) error
}

// ZoneContent is a normalised content snapshot: fully qualified lower-cased
// owners inside the zone, no DNSSEC records the engine maintains itself,
// and exactly one SOA at the apex.
type ZoneContent struct {
	Zone    string
	Records []dns.RR
	soa     *dns.SOA
}

// engineTypes are generated by the engine and stripped from content.
var engineTypes = map[uint16]bool{
	dns.TypeDNSKEY:     true,
	dns.TypeRRSIG:      true,
	dns.TypeNSEC:       true,
	dns.TypeNSEC3:      true,
	dns.TypeNSEC3PARAM: true,
}

// NewZoneContent normalises records into a content snapshot. The input
// records are not modified.
func NewZoneContent(zone string, records []dns.RR) (*ZoneContent, error) {
	zone = dns.CanonicalName(zone)
	c := &ZoneContent{Zone: zone, Records: make([]dns.RR, 0, len(records))}
	for _, rr := range records {
		if rr == nil || engineTypes[rr.Header().Rrtype] {
			continue
		}
		name := dns.CanonicalName(rr.Header().Name)
		if !dns.IsSubDomain(zone, name) {
			continue
		}
		rr = dns.Copy(rr)
		rr.Header().Name = name
		if soa, ok := rr.(*dns.SOA); ok {
			if name != zone {
				continue
			}
			if c.soa != nil {
				return nil, fmt.Errorf("%w: zone %s has more than one SOA", ErrMissingSOA, zone)
			}
			c.soa = soa
		}
		c.Records = append(c.Records, rr)
	}
	if c.soa == nil {
		return nil, fmt.Errorf("%w (%s)", ErrMissingSOA, zone)
	}
	return c, nil
}

// SOA returns the apex SOA of the snapshot.
func (c *ZoneContent) SOA() *dns.SOA {
	return c.soa
}

// Names returns the distinct owner names of the snapshot.
func (c *ZoneContent) Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, rr := range c.Records {
		if n := rr.Header().Name; !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// delegations returns the owner names below the apex that carry NS.
func delegations(zone string, sets map[RRsetKey][]dns.RR) map[string]bool {
	out := map[string]bool{}
	for k := range sets {
		if k.Type == dns.TypeNS && k.Name != zone {
			out[k.Name] = true
		}
	}
	return out
}

// occluded reports whether name lies strictly below a delegation point.
func occluded(zone, name string, cuts map[string]bool) bool {
	for parent := name; parent != zone && parent != "."; {
		i := strings.IndexByte(parent, '.')
		if i < 0 || i == len(parent)-1 {
			break
		}
		parent = parent[i+1:]
		if cuts[parent] {
			return true
		}
	}
	return false
}

// authoritative reports whether the RRset at key is signed: everything in
// the zone except glue below a cut and the NS RRset at the cut itself.
func authoritative(zone string, key RRsetKey, cuts map[string]bool) bool {
	if occluded(zone, key.Name, cuts) {
		return false
	}
	if cuts[key.Name] {
		return key.Type == dns.TypeDS || key.Type == dns.TypeNSEC
	}
	return true
}
