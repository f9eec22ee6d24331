package zonesigner

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// KeySet is the view of a zone's keys at one instant. It is computed once
// per cycle and never changes afterwards.
type KeySet struct {
	zone   string
	now    time.Time
	keys   []*Key
	states map[*Key]State
}

// NewKeySet validates keys and evaluates their timelines at now. Any invalid
// key fails the whole set: signing with a partial key set could silently
// drop a required signer.
func NewKeySet(zone string, keys []Key, now time.Time) (*KeySet, error) {
	ks := &KeySet{
		zone:   dns.CanonicalName(zone),
		now:    now,
		keys:   make([]*Key, 0, len(keys)),
		states: make(map[*Key]State, len(keys)),
	}
	var errs []error
	for i := range keys {
		k := &keys[i]
		if k.Zone == "" {
			k.Zone = ks.zone
		}
		if err := k.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		ks.keys = append(ks.keys, k)
		ks.states[k] = k.StateAt(now)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("zone %s: %w", ks.zone, errors.Join(errs...))
	}
	sort.SliceStable(ks.keys, func(i, j int) bool {
		a, b := ks.keys[i], ks.keys[j]
		if a.KeyTag() != b.KeyTag() {
			return a.KeyTag() < b.KeyTag()
		}
		return a.ID < b.ID
	})
	return ks, nil
}

func (ks *KeySet) Now() time.Time { return ks.now }

// State returns the state of k as evaluated when the set was built.
func (ks *KeySet) State(k *Key) State {
	return ks.states[k]
}

// Keys returns every valid key regardless of state.
func (ks *KeySet) Keys() []*Key {
	return ks.keys
}

// Published returns the keys that belong in the DNSKEY RRset.
func (ks *KeySet) Published() []*Key {
	out := make([]*Key, 0, len(ks.keys))
	for _, k := range ks.keys {
		if s := ks.states[k]; s >= StatePublished && s < StateRemoved {
			out = append(out, k)
		}
	}
	return out
}

// Active returns the keys allowed to produce signatures.
func (ks *KeySet) Active() []*Key {
	out := make([]*Key, 0, len(ks.keys))
	for _, k := range ks.keys {
		if ks.states[k] == StateActive {
			out = append(out, k)
		}
	}
	return out
}

// Algorithms returns the distinct algorithms of the published keys.
func (ks *KeySet) Algorithms() []uint8 {
	seen := map[uint8]bool{}
	var out []uint8
	for _, k := range ks.Published() {
		if !seen[k.Algorithm()] {
			seen[k.Algorithm()] = true
			out = append(out, k.Algorithm())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Signers returns the active keys that must sign an RRset of type rrtype.
// The DNSKEY RRset is signed by KSKs and CSKs, everything else by ZSKs and
// CSKs. Per algorithm, when no key of the preferred roles is active, the
// other role takes over so that every algorithm in use signs every RRset.
func (ks *KeySet) Signers(rrtype uint16) []*Key {
	byAlg := map[uint8][]*Key{}
	var algs []uint8
	for _, k := range ks.Active() {
		if _, ok := byAlg[k.Algorithm()]; !ok {
			algs = append(algs, k.Algorithm())
		}
		byAlg[k.Algorithm()] = append(byAlg[k.Algorithm()], k)
	}

	var out []*Key
	for _, alg := range algs {
		var preferred []*Key
		for _, k := range byAlg[alg] {
			if (rrtype == dns.TypeDNSKEY && k.signsKeys()) || (rrtype != dns.TypeDNSKEY && k.signsZone()) {
				preferred = append(preferred, k)
			}
		}
		if len(preferred) == 0 {
			preferred = byAlg[alg]
		}
		out = append(out, preferred...)
	}
	return out
}

// DNSKEYs returns the DNSKEY records of the published keys, owned by the
// zone apex with the given TTL.
func (ks *KeySet) DNSKEYs(ttl uint32) []dns.RR {
	out := make([]dns.RR, 0, len(ks.keys))
	for _, k := range ks.Published() {
		rr := dns.Copy(k.DNSKEY).(*dns.DNSKEY)
		rr.Hdr.Name = ks.zone
		rr.Hdr.Rrtype = dns.TypeDNSKEY
		rr.Hdr.Class = dns.ClassINET
		rr.Hdr.Ttl = ttl
		out = append(out, rr)
	}
	return out
}

// NextTransition is the earliest upcoming state change over all keys.
func (ks *KeySet) NextTransition() (time.Time, bool) {
	var next time.Time
	found := false
	for _, k := range ks.keys {
		at, ok := k.Timeline.NextTransition(ks.now)
		if ok && (!found || at.Before(next)) {
			next, found = at, true
		}
	}
	return next, found
}
