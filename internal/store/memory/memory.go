// Package memory holds keys, zone content and signed versions in process
// memory. It backs tests and single-shot runs of the daemon.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/dns"

	"github.com/hazcod/zonesigner"
)

// KeyStore is a mutable in-memory zonesigner.KeyStore.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string][]zonesigner.Key
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: map[string][]zonesigner.Key{}}
}

// Put replaces the keys of zone.
func (s *KeyStore) Put(zone string, keys ...zonesigner.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[dns.CanonicalName(zone)] = append([]zonesigner.Key(nil), keys...)
}

// Update applies fn to every key of zone, e.g. to move a timeline.
func (s *KeyStore) Update(zone string, fn func(*zonesigner.Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.keys[dns.CanonicalName(zone)]
	for i := range keys {
		fn(&keys[i])
	}
}

func (s *KeyStore) ListKeys(_ context.Context, zone string) ([]zonesigner.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]zonesigner.Key(nil), s.keys[dns.CanonicalName(zone)]...), nil
}

// ContentStore is a mutable in-memory zonesigner.ContentProvider.
type ContentStore struct {
	mu      sync.RWMutex
	records map[string][]dns.RR
}

func NewContentStore() *ContentStore {
	return &ContentStore{records: map[string][]dns.RR{}}
}

// Put replaces the content of zone.
func (s *ContentStore) Put(zone string, rrs []dns.RR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[dns.CanonicalName(zone)] = rrs
}

func (s *ContentStore) Snapshot(_ context.Context, zone string) (*zonesigner.ZoneContent, error) {
	zone = dns.CanonicalName(zone)
	s.mu.RLock()
	rrs, ok := s.records[zone]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", zonesigner.ErrZoneNotFound, zone)
	}
	return zonesigner.NewZoneContent(zone, rrs)
}

// Applier is an in-memory zonesigner.Applier with compare-and-swap on the
// version generation.
type Applier struct {
	mu       sync.RWMutex
	versions map[string]*zonesigner.SignedZone
	commits  int
}

func NewApplier() *Applier {
	return &Applier{versions: map[string]*zonesigner.SignedZone{}}
}

func (a *Applier) Current(_ context.Context, zone string) (*zonesigner.SignedZone, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.versions[dns.CanonicalName(zone)], nil
}

func (a *Applier) Commit(ctx context.Context, zone string, expected uint64, next *zonesigner.SignedZone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zone = dns.CanonicalName(zone)
	a.mu.Lock()
	defer a.mu.Unlock()
	var have uint64
	if cur := a.versions[zone]; cur != nil {
		have = cur.Generation
	}
	if have != expected {
		return fmt.Errorf("%w: %s at generation %d, expected %d", zonesigner.ErrConflict, zone, have, expected)
	}
	a.versions[zone] = next
	a.commits++
	return nil
}

// Commits returns how many versions were installed.
func (a *Applier) Commits() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.commits
}
