package zonesigner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialSigning(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))

	res := f.cycle(t)
	assert.True(t, res.Changed)
	assert.Equal(t, uint32(2), res.Serial)
	assert.Equal(t, uint64(1), res.Generation)
	assert.Equal(t, DenialNSEC3, res.Denial)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(res.Signatures), f.signer.calls.Load())
	f.verify(t)

	z := f.current(t)
	assert.Equal(t, uint32(2), z.SOA().Serial)
	require.NotNil(t, z.RRSet(testZone, dns.TypeNSEC3PARAM))
	require.Len(t, z.DNSKEYs(), 1)
	assert.Equal(t, uint32(3600), z.RRSet(testZone, dns.TypeDNSKEY).TTL())

	// Glue and the NS RRset at the cut stay unsigned.
	assert.False(t, z.RRSet("ns.sub.example.org.", dns.TypeA).IsSigned())
	assert.False(t, z.RRSet("sub.example.org.", dns.TypeNS).IsSigned())
	assert.True(t, z.RRSet("www.example.org.", dns.TypeA).IsSigned())

	// a.b.c has two empty non-terminals above it.
	var chain int
	for _, rr := range z.Chain() {
		n3 := rr.(*dns.NSEC3)
		assert.Equal(t, uint32(300), n3.Hdr.Ttl)
		chain++
	}
	// apex, ns1, www, mail, a.b.c, b.c, c, sub
	assert.Equal(t, 8, chain)

	assert.Equal(t, ReasonRefresh, res.WakeReason)
	assert.True(t, res.NextWake.Equal(t0.Add(DefaultSignatureLifetime-DefaultSignatureLifetime/10)), res.NextWake)
}

func TestNoChangeIsNoOp(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	before := f.current(t)
	calls := f.signer.calls.Load()

	f.now = t0.Add(time.Hour)
	res := f.cycle(t)
	assert.False(t, res.Changed)
	assert.Equal(t, uint32(2), res.Serial)
	assert.Equal(t, calls, f.signer.calls.Load(), "no signature may be made")
	assert.Same(t, before, f.current(t))
	assert.Equal(t, 1, f.applier.commits)
}

func TestCaseOnlyContentChangeIsNoOp(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)

	f.content.set(mustRRs(t,
		"EXAMPLE.org. 3600 IN SOA NS1.example.org. HOSTMASTER.example.org. 1 7200 3600 1209600 300",
		"example.ORG. 3600 IN NS NS1.EXAMPLE.ORG.",
		"example.org. 3600 IN MX 10 Mail.Example.Org.",
		"NS1.example.org. 3600 IN A 192.0.2.1",
		"WWW.example.org. 300 IN A 192.0.2.10",
		"www.EXAMPLE.org. 300 IN AAAA 2001:db8::10",
		"Mail.example.org. 300 IN A 192.0.2.25",
		"A.B.C.example.org. 300 IN TXT \"deep\"",
		"Sub.example.org. 3600 IN NS NS.Sub.example.org.",
		"ns.SUB.example.org. 3600 IN A 192.0.2.53",
	))
	calls := f.signer.calls.Load()
	res := f.cycle(t)
	assert.False(t, res.Changed)
	assert.Equal(t, calls, f.signer.calls.Load())
}

func TestNSECChainCaseDifferenceIsRegenerated(t *testing.T) {
	policy := DefaultPolicy()
	policy.Denial = DenialNSEC
	f := newFixture(t, policy, newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	z := f.current(t)
	wwwSig := z.RRSet("www.example.org.", dns.TypeA).Signatures()[0]

	// Rebuild the stored version with an upper-cased NSEC next name.
	var rrs []dns.RR
	for _, rr := range z.Records() {
		if nsec, ok := rr.(*dns.NSEC); ok && nsec.Hdr.Name == "ns1.example.org." {
			c := dns.Copy(nsec).(*dns.NSEC)
			c.NextDomain = strings.ToUpper(c.NextDomain)
			rr = c
		}
		rrs = append(rrs, rr)
	}
	tampered, err := SignedZoneFromRecords(testZone, z.Generation, z.Denial, z.SignedAt, rrs)
	require.NoError(t, err)
	f.applier.replace(tampered)

	res := f.cycle(t)
	assert.True(t, res.Changed)
	assert.Equal(t, uint32(3), res.Serial)
	assert.Equal(t, 2, res.Updated, "the NSEC and the SOA")

	next := f.current(t)
	nsec := next.RRSet("ns1.example.org.", dns.TypeNSEC).Records()[0].(*dns.NSEC)
	assert.Equal(t, strings.ToLower(nsec.NextDomain), nsec.NextDomain)
	assert.Same(t, wwwSig, next.RRSet("www.example.org.", dns.TypeA).Signatures()[0])
	f.verify(t)
}

func TestContentChange(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	mxSig := f.current(t).RRSet(testZone, dns.TypeMX).Signatures()[0]

	rrs := baseContent(t)
	var kept []dns.RR
	for _, rr := range rrs {
		if rr.Header().Name != "www.example.org." {
			kept = append(kept, rr)
		}
	}
	kept = append(kept, mustRR(t, "ftp.example.org. 300 IN CNAME www.example.net."))
	f.content.set(kept)

	f.now = t0.Add(time.Minute)
	res := f.cycle(t)
	assert.True(t, res.Changed)
	assert.Equal(t, uint32(3), res.Serial)
	assert.Equal(t, 3, res.Removed, "www A, AAAA and its NSEC3")

	z := f.current(t)
	assert.Nil(t, z.RRSet("www.example.org.", dns.TypeA))
	assert.NotNil(t, z.RRSet("ftp.example.org.", dns.TypeCNAME))
	assert.Same(t, mxSig, z.RRSet(testZone, dns.TypeMX).Signatures()[0])
	f.verify(t)
}

func TestContentSerialAheadIsTakenOver(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)

	rrs := baseContent(t)
	rrs[0].(*dns.SOA).Serial = 2024060101
	rrs = append(rrs, mustRR(t, "new.example.org. 300 IN A 192.0.2.99"))
	f.content.set(rrs)

	res := f.cycle(t)
	assert.Equal(t, uint32(2024060102), res.Serial)
}

func TestMixedAlgorithmsUseNSEC(t *testing.T) {
	f := newFixture(t, DefaultPolicy(),
		newKey(t, "ksk1", RoleKSK, dns.RSASHA1, activeNow()),
		newKey(t, "zsk1", RoleZSK, dns.RSASHA1, activeNow()),
		newKey(t, "ksk256", RoleKSK, dns.RSASHA256, activeNow()),
		newKey(t, "zsk256", RoleZSK, dns.RSASHA256, activeNow()),
	)
	res := f.cycle(t)
	assert.Equal(t, DenialNSEC, res.Denial)
	f.verify(t)

	z := f.current(t)
	assert.Nil(t, z.RRSet(testZone, dns.TypeNSEC3PARAM))
	assert.Len(t, z.DNSKEYs(), 4)
	for _, rs := range z.RRSets() {
		if !rs.IsSigned() {
			continue
		}
		assert.Len(t, rs.Signatures(), 2, rs.Key().String())
		algs := map[uint8]bool{}
		for _, sig := range rs.Signatures() {
			algs[sig.Algorithm] = true
		}
		assert.Len(t, algs, 2, rs.Key().String())
	}
	// The DNSKEY RRset is signed by the KSKs only.
	for _, sig := range z.RRSet(testZone, dns.TypeDNSKEY).Signatures() {
		assert.Equal(t, uint16(257), keyFlags(z, sig))
	}
	// Everything else by the ZSKs.
	for _, sig := range z.RRSet(testZone, dns.TypeSOA).Signatures() {
		assert.Equal(t, uint16(256), keyFlags(z, sig))
	}
}

func keyFlags(z *SignedZone, sig *dns.RRSIG) uint16 {
	for _, k := range z.lookupPubKey(sig.KeyTag, sig.Algorithm) {
		return k.Flags
	}
	return 0
}

func TestSwitchFromNSEC3ToNSEC(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	require.Equal(t, DenialNSEC3, f.current(t).Denial.Mode)

	keys, _ := f.keys.ListKeys(context.Background(), testZone)
	keys = append(keys, newKey(t, "legacy", RoleCSK, dns.RSASHA1, Timeline{Publish: Now()}))
	f.keys.set(keys...)

	res := f.cycle(t)
	assert.Equal(t, DenialNSEC, res.Denial)
	z := f.current(t)
	assert.Nil(t, z.RRSet(testZone, dns.TypeNSEC3PARAM))
	for _, rs := range z.RRSets() {
		assert.NotEqual(t, dns.TypeNSEC3, rs.Type())
	}
	f.verify(t)
}

func TestZSKRollover(t *testing.T) {
	ksk := newKey(t, "ksk", RoleKSK, dns.ECDSAP256SHA256, activeNow())
	zsk1 := newKey(t, "zsk1", RoleZSK, dns.ECDSAP256SHA256, Timeline{
		Publish: Now(), Active: Now(),
		Retire: InstantAt(t0.Add(10 * 24 * time.Hour)),
		Remove: InstantAt(t0.Add(20 * 24 * time.Hour)),
	})
	zsk2 := newKey(t, "zsk2", RoleZSK, dns.ECDSAP256SHA256, Timeline{
		Publish: InstantAt(t0.Add(5 * 24 * time.Hour)),
		Active:  InstantAt(t0.Add(10 * 24 * time.Hour)),
	})
	f := newFixture(t, DefaultPolicy(), ksk, zsk1, zsk2)

	res := f.cycle(t)
	assert.Len(t, f.current(t).DNSKEYs(), 2)
	assert.Equal(t, ReasonKeyTransition, res.WakeReason)
	assert.True(t, res.NextWake.Equal(t0.Add(5*24*time.Hour)))

	// zsk2 is published: only the DNSKEY RRset and the SOA change.
	f.now = res.NextWake
	res = f.cycle(t)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 2, res.Signatures)
	assert.Len(t, f.current(t).DNSKEYs(), 3)
	assert.True(t, res.NextWake.Equal(t0.Add(10*24*time.Hour)))
	f.verify(t)

	// zsk2 takes over, zsk1 stays published.
	f.now = res.NextWake
	res = f.cycle(t)
	z := f.current(t)
	assert.Len(t, z.DNSKEYs(), 3)
	for _, rs := range z.RRSets() {
		for _, sig := range rs.Signatures() {
			assert.NotEqual(t, zsk1.KeyTag(), sig.KeyTag, rs.Key().String())
		}
	}
	assert.Equal(t, zsk2.KeyTag(), z.RRSet("www.example.org.", dns.TypeA).Signatures()[0].KeyTag)
	f.verify(t)

	// zsk1 leaves the DNSKEY RRset.
	f.now = res.NextWake
	require.True(t, f.now.Equal(t0.Add(20*24*time.Hour)))
	f.cycle(t)
	assert.Len(t, f.current(t).DNSKEYs(), 2)
	f.verify(t)
}

func TestAlgorithmRotationLeftoverKeyIsIgnored(t *testing.T) {
	old := newKey(t, "old", RoleCSK, dns.ED25519, Timeline{
		Publish: InstantAt(t0.AddDate(10, 0, 0)),
		Active:  InstantAt(t0.AddDate(-10, 0, 0)),
		Retire:  Now(),
		Remove:  Now(),
	})
	csk := newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow())
	f := newFixture(t, DefaultPolicy(), old, csk)

	res := f.cycle(t)
	assert.True(t, res.Changed)
	z := f.current(t)
	require.Len(t, z.DNSKEYs(), 1)
	assert.Equal(t, csk.KeyTag(), z.DNSKEYs()[0].KeyTag())
	for _, rs := range z.RRSets() {
		for _, sig := range rs.Signatures() {
			assert.Equal(t, csk.KeyTag(), sig.KeyTag, rs.Key().String())
		}
	}
	f.verify(t)
}

func TestSignatureRefresh(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	first := f.cycle(t)
	oldSig := f.current(t).RRSet("www.example.org.", dns.TypeA).Signatures()[0]

	// One second before the refresh point nothing happens.
	f.now = first.NextWake.Add(-time.Second)
	res := f.cycle(t)
	assert.False(t, res.Changed)

	f.now = first.NextWake
	res = f.cycle(t)
	assert.True(t, res.Changed)
	assert.Equal(t, first.Signatures, res.Signatures)
	newSig := f.current(t).RRSet("www.example.org.", dns.TypeA).Signatures()[0]
	assert.NotEqual(t, oldSig.Expiration, newSig.Expiration)
	assert.True(t, res.NextWake.After(first.NextWake))
	f.verify(t)
}

func TestSigningFailureKeepsCurrentVersion(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	before := f.current(t)

	f.content.set(append(baseContent(t), mustRR(t, "new.example.org. 300 IN A 192.0.2.99")))
	f.signer.fail.Store(true)
	res, err := f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrSigningFailed)
	assert.Equal(t, ClassTransient, Classify(err))
	require.NotNil(t, res)
	assert.Same(t, before, f.current(t))
	assert.Equal(t, 1, f.applier.commits)
}

func TestKeyStoreFailure(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.keys.err = errors.New("connection refused")
	_, err := f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrKeyStoreUnavailable)
	assert.Equal(t, 0, f.applier.commits)
}

func TestNoActiveSigner(t *testing.T) {
	activeAt := t0.Add(2 * time.Hour)
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, Timeline{
		Publish: Now(), Active: InstantAt(activeAt),
	}))
	res, err := f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrNoActiveSigner)
	assert.Equal(t, ClassConfig, Classify(err))
	require.NotNil(t, res)
	assert.True(t, res.NextWake.Equal(activeAt))
	assert.Equal(t, ReasonKeyTransition, res.WakeReason)
}

func TestInvalidKeyFailsTheCycle(t *testing.T) {
	bad := newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, Timeline{
		Active: InstantAt(t0), Publish: InstantAt(t0.Add(time.Hour)),
	})
	f := newFixture(t, DefaultPolicy(), bad)
	_, err := f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrContradictoryTimeline)
}

func TestMissingSOA(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.content.set(baseContent(t)[1:])
	_, err := f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrMissingSOA)
	assert.Equal(t, ClassConfig, Classify(err))

	f.content.err = errors.New("disk on fire")
	_, err = f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrContentUnavailable)
}

func TestConflictIsRetried(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.applier.conflicts = 1
	res := f.cycle(t)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.Attempts)

	f.content.set(append(baseContent(t), mustRR(t, "new.example.org. 300 IN A 192.0.2.99")))
	f.applier.conflicts = maxCommitAttempts
	_, err := f.engine.Cycle(context.Background(), testZone)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.applier.commits)
}

func TestDamagedVersionIsResignedWithAlarm(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	z := f.current(t)
	damaged, err := SignedZoneFromRecords(testZone, z.Generation, z.Denial, z.SignedAt, z.Records())
	require.NoError(t, err)
	damaged.Serial = 99
	f.applier.replace(damaged)

	calls := f.signer.calls.Load()
	res := f.cycle(t)
	require.Error(t, res.Alarm)
	assert.ErrorIs(t, res.Alarm, ErrCorruptedState)
	assert.True(t, res.Changed)
	assert.Equal(t, uint32(100), res.Serial)
	assert.Equal(t, uint64(2), res.Generation)
	assert.Greater(t, f.signer.calls.Load(), calls)
	f.verify(t)
}

func TestUnreadableVersionIsReplaced(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.applier.unreadable = &UnreadableVersionError{Zone: testZone, Generation: 7, Serial: 41, Err: errors.New("bad record")}

	res := f.cycle(t)
	require.Error(t, res.Alarm)
	assert.ErrorIs(t, res.Alarm, ErrCorruptedState)
	assert.Equal(t, uint64(8), res.Generation)
	assert.Equal(t, uint32(42), res.Serial)
	f.verify(t)

	// With the serial lost as well, the content serial is the base.
	f.applier.unreadable = &UnreadableVersionError{Zone: testZone, Generation: 8, Err: errors.New("bad envelope")}
	res = f.cycle(t)
	assert.Equal(t, uint64(9), res.Generation)
	assert.Equal(t, uint32(2), res.Serial)
	f.verify(t)
}

func TestDecideDoesNotCommit(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	plan, err := f.engine.Decide(context.Background(), "Example.Org")
	require.NoError(t, err)
	assert.False(t, plan.NoOp())
	assert.Equal(t, testZone, plan.Zone)
	assert.Equal(t, uint64(1), plan.Next.Generation)
	assert.Zero(t, f.applier.commits)
	require.NoError(t, Verify(plan.Next, f.now))
}

func TestPolicyDNSKEYTTL(t *testing.T) {
	policy := DefaultPolicy()
	policy.DNSKEYTTL = 600
	f := newFixture(t, policy, newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	rs := f.current(t).RRSet(testZone, dns.TypeDNSKEY)
	assert.Equal(t, uint32(600), rs.TTL())
	assert.Equal(t, uint32(600), rs.Signatures()[0].OrigTtl)
}

func TestNSEC3SaltIsKept(t *testing.T) {
	policy := DefaultPolicy()
	policy.NSEC3SaltLength = 8
	f := newFixture(t, policy, newKey(t, "csk", RoleCSK, dns.ECDSAP256SHA256, activeNow()))
	f.cycle(t)
	salt := f.current(t).Denial.NSEC3.Salt
	assert.Len(t, salt, 16)

	f.content.set(append(baseContent(t), mustRR(t, "new.example.org. 300 IN A 192.0.2.99")))
	f.cycle(t)
	assert.Equal(t, salt, f.current(t).Denial.NSEC3.Salt)
	assert.Positive(t, f.engine.HashCacheHits())
	f.verify(t)
}

type recordingObserver struct {
	zones []string
	errs  []error
}

func (o *recordingObserver) CycleDone(zone string, _ *Result, err error, _ time.Duration) {
	o.zones = append(o.zones, zone)
	o.errs = append(o.errs, err)
}

func TestObserverSeesEveryCycle(t *testing.T) {
	obs := &recordingObserver{}
	keys := &fakeKeys{err: errors.New("down")}
	e, err := NewEngine(keys, &fakeContent{rrs: baseContent(t)}, &fakeApplier{}, WithObserver(obs))
	require.NoError(t, err)

	_, _ = e.Cycle(context.Background(), "EXAMPLE.org")
	require.Equal(t, []string{testZone}, obs.zones)
	assert.ErrorIs(t, obs.errs[0], ErrKeyStoreUnavailable)
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.RefreshBefore = p.SignatureLifetime
	_, err := NewEngine(&fakeKeys{}, &fakeContent{}, &fakeApplier{}, WithPolicy(p))
	require.ErrorIs(t, err, ErrInvalidPolicy)
}
