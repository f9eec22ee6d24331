package zonesigner

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const testZone = "example.org."

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func mustRRs(t *testing.T, lines ...string) []dns.RR {
	t.Helper()
	out := make([]dns.RR, len(lines))
	for i, l := range lines {
		out[i] = mustRR(t, l)
	}
	return out
}

func baseContent(t *testing.T) []dns.RR {
	return mustRRs(t,
		"example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 1 7200 3600 1209600 300",
		"example.org. 3600 IN NS ns1.example.org.",
		"example.org. 3600 IN MX 10 mail.example.org.",
		"ns1.example.org. 3600 IN A 192.0.2.1",
		"www.example.org. 300 IN A 192.0.2.10",
		"www.example.org. 300 IN AAAA 2001:db8::10",
		"mail.example.org. 300 IN A 192.0.2.25",
		"a.b.c.example.org. 300 IN TXT \"deep\"",
		"sub.example.org. 3600 IN NS ns.sub.example.org.",
		"ns.sub.example.org. 3600 IN A 192.0.2.53",
	)
}

// newKey generates a key pair. Bits only matter for RSA.
func newKey(t *testing.T, id string, role Role, alg uint8, tl Timeline) Key {
	t.Helper()
	flags := uint16(256)
	if role != RoleZSK {
		flags = 257
	}
	k := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: testZone, Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 3600},
		Flags:     flags,
		Protocol:  3,
		Algorithm: alg,
	}
	bits := 256
	switch alg {
	case dns.RSASHA1, dns.RSASHA256, dns.RSASHA1NSEC3SHA1:
		bits = 1024
	case dns.ECDSAP384SHA384:
		bits = 384
	}
	pk, err := k.Generate(bits)
	require.NoError(t, err)
	return Key{ID: id, Zone: testZone, Role: role, DNSKEY: k, PrivateKey: pk.(crypto.Signer), Timeline: tl}
}

func activeNow() Timeline {
	return Timeline{Publish: Now(), Active: Now()}
}

type fakeKeys struct {
	mu   sync.Mutex
	keys []Key
	err  error
}

func (f *fakeKeys) ListKeys(_ context.Context, _ string) ([]Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Key(nil), f.keys...), nil
}

func (f *fakeKeys) set(keys ...Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

type fakeContent struct {
	mu  sync.Mutex
	rrs []dns.RR
	err error
}

func (f *fakeContent) Snapshot(_ context.Context, zone string) (*ZoneContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return NewZoneContent(zone, f.rrs)
}

func (f *fakeContent) set(rrs []dns.RR) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rrs = rrs
}

type fakeApplier struct {
	mu        sync.Mutex
	current    *SignedZone
	unreadable *UnreadableVersionError
	commits    int
	conflicts  int
}

func (f *fakeApplier) Current(context.Context, string) (*SignedZone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreadable != nil {
		return nil, f.unreadable
	}
	return f.current, nil
}

func (f *fakeApplier) Commit(_ context.Context, zone string, expected uint64, next *SignedZone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return fmt.Errorf("%w: %s", ErrConflict, zone)
	}
	var have uint64
	switch {
	case f.unreadable != nil:
		have = f.unreadable.Generation
	case f.current != nil:
		have = f.current.Generation
	}
	if have != expected {
		return fmt.Errorf("%w: %s", ErrConflict, zone)
	}
	f.current, f.unreadable = next, nil
	f.commits++
	return nil
}

func (f *fakeApplier) replace(z *SignedZone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = z
}

// countingSigner counts signatures and can be told to fail.
type countingSigner struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (s *countingSigner) Sign(ctx context.Context, key *Key, rrs []dns.RR, inception, expiration time.Time) (*dns.RRSIG, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("hsm unreachable")
	}
	return DNSSigner{}.Sign(ctx, key, rrs, inception, expiration)
}

type fixture struct {
	keys    *fakeKeys
	content *fakeContent
	applier *fakeApplier
	signer  *countingSigner
	now     time.Time
	engine  *Engine
}

func newFixture(t *testing.T, policy Policy, keys ...Key) *fixture {
	t.Helper()
	f := &fixture{
		keys:    &fakeKeys{keys: keys},
		content: &fakeContent{rrs: baseContent(t)},
		applier: &fakeApplier{},
		signer:  &countingSigner{},
		now:     t0,
	}
	e, err := NewEngine(f.keys, f.content, f.applier,
		WithPolicy(policy),
		WithSigner(f.signer),
		WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) cycle(t *testing.T) *Result {
	t.Helper()
	res, err := f.engine.Cycle(context.Background(), testZone)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (f *fixture) current(t *testing.T) *SignedZone {
	t.Helper()
	z, err := f.applier.Current(context.Background(), testZone)
	require.NoError(t, err)
	require.NotNil(t, z)
	return z
}

func (f *fixture) verify(t *testing.T) {
	t.Helper()
	require.NoError(t, Verify(f.current(t), f.now))
}
