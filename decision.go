package zonesigner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/hazcod/zonesigner/internal/observability/logger"
)

// Observer is notified after every cycle, successful or not.
type Observer interface {
	CycleDone(zone string, res *Result, err error, elapsed time.Duration)
}

// Engine decides, per zone and per cycle, what has to be (re)signed and
// commits the resulting signed version.
type Engine struct {
	keys     KeyStore
	content  ContentProvider
	applier  Applier
	signer   Signer
	policy   Policy
	now      func() time.Time
	hasher   *nameHasher
	observer Observer
}

type Option func(*Engine)

func WithSigner(s Signer) Option {
	return func(e *Engine) { e.signer = s }
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock replaces time.Now; tests use it to move through key timelines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func NewEngine(keys KeyStore, content ContentProvider, applier Applier, opts ...Option) (*Engine, error) {
	e := &Engine{
		keys:    keys,
		content: content,
		applier: applier,
		signer:  DNSSigner{},
		policy:  DefaultPolicy(),
		now:     time.Now,
		hasher:  newNameHasher(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// HashCacheHits reports how many NSEC3 hashes were served from the cache.
func (e *Engine) HashCacheHits() uint64 { return e.hasher.Hits() }

// Plan is the outcome of Decide. Next is nil when the current version is
// still valid and nothing has to change.
type Plan struct {
	Zone           string
	Now            time.Time
	BaseGeneration uint64
	Serial         uint32
	Denial         Denial
	Next           *SignedZone
	Updated        []RRsetKey
	Removed        []RRsetKey
	Signatures     int
	NextWake       time.Time
	WakeReason     Reason
	// Alarm is set when the current version failed its structural check and
	// the zone is being re-signed from scratch.
	Alarm error
}

func (p *Plan) NoOp() bool { return p.Next == nil }

// Result summarises a cycle for the scheduler.
type Result struct {
	Zone       string
	Changed    bool
	Serial     uint32
	Generation uint64
	Denial     DenialMode
	Signatures int
	Updated    int
	Removed    int
	NextWake   time.Time
	WakeReason Reason
	Alarm      error
	Attempts   int
}

func (p *Plan) result() *Result {
	if p == nil {
		return nil
	}
	return &Result{
		Zone:       p.Zone,
		Serial:     p.Serial,
		Generation: p.BaseGeneration,
		Denial:     p.Denial.Mode,
		Signatures: p.Signatures,
		Updated:    len(p.Updated),
		Removed:    len(p.Removed),
		NextWake:   p.NextWake,
		WakeReason: p.WakeReason,
		Alarm:      p.Alarm,
	}
}

// Cycle runs Decide and commits the plan. A lost compare-and-swap race is
// retried from the newly committed version. The returned Result may be
// non-nil together with an error; its NextWake is then still meaningful.
func (e *Engine) Cycle(ctx context.Context, zone string) (*Result, error) {
	start := time.Now()
	zone = dns.CanonicalName(zone)
	log := logger.From(ctx).With(logger.Zone(zone), logger.CycleID(uuid.NewString()))
	ctx = logger.ToContext(ctx, log)

	res, err := e.cycle(ctx, zone)
	if e.observer != nil {
		e.observer.CycleDone(zone, res, err, time.Since(start))
	}
	return res, err
}

func (e *Engine) cycle(ctx context.Context, zone string) (*Result, error) {
	log := logger.From(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		plan, err := e.Decide(ctx, zone)
		res := plan.result()
		if err != nil {
			return res, err
		}
		res.Attempts = attempt

		if plan.NoOp() {
			log.Debug("No signing performed, zone is valid",
				logger.Serial(plan.Serial), logger.Wake(plan.NextWake))
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err = e.applier.Commit(ctx, zone, plan.BaseGeneration, plan.Next)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			log.Warn("signed version changed underneath, recomputing", logger.Count(attempt))
			continue
		}
		if err != nil {
			return res, fmt.Errorf("commit %s: %w", zone, err)
		}

		res.Changed = true
		res.Generation = plan.Next.Generation
		log.Info("zone signed",
			logger.Serial(plan.Serial),
			logger.Generation(plan.Next.Generation),
			logger.Count(plan.Signatures),
			logger.Int("updated", len(plan.Updated)),
			logger.Int("removed", len(plan.Removed)),
			logger.String("denial", plan.Denial.Mode.String()),
			logger.Wake(plan.NextWake))
		return res, nil
	}
	return nil, fmt.Errorf("%s: giving up after %d attempts: %w", zone, maxCommitAttempts, lastErr)
}

// Decide computes the next signed version of zone without committing it.
func (e *Engine) Decide(ctx context.Context, zone string) (*Plan, error) {
	zone = dns.CanonicalName(zone)
	now := e.now().UTC()
	log := logger.From(ctx)
	plan := &Plan{Zone: zone, Now: now}

	keys, err := e.keys.ListKeys(ctx, zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyStoreUnavailable, zone, err)
	}
	ks, err := NewKeySet(zone, keys, now)
	if err != nil {
		return nil, err
	}
	if len(ks.Active()) == 0 {
		plan.NextWake, plan.WakeReason = e.nextWake(ks, nil, now)
		return plan, fmt.Errorf("%w (%s)", ErrNoActiveSigner, zone)
	}

	content, err := e.content.Snapshot(ctx, zone)
	if err != nil {
		if errors.Is(err, ErrMissingSOA) {
			return plan, err
		}
		return plan, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, zone, err)
	}

	current, err := e.applier.Current(ctx, zone)
	var unreadable *UnreadableVersionError
	if err != nil && !errors.As(err, &unreadable) {
		return plan, fmt.Errorf("reading signed version of %s: %w", zone, err)
	}

	base := current
	serial := content.SOA().Serial
	var previous Denial
	switch {
	case unreadable != nil:
		plan.BaseGeneration = unreadable.Generation
		if unreadable.Serial != 0 {
			serial = unreadable.Serial
		}
		plan.Alarm = unreadable
		base = nil
		log.Error("signed version is unreadable, re-signing from scratch", logger.Err(unreadable))
	case current != nil:
		plan.BaseGeneration = current.Generation
		serial = current.Serial
		previous = current.Denial
		if err := current.Check(); err != nil {
			plan.Alarm = err
			base = nil
			log.Error("signed version is damaged, re-signing from scratch", logger.Err(err))
		}
	}
	plan.Serial = serial

	desired, cuts, denial, err := e.desired(ks, content, previous)
	if err != nil {
		return plan, err
	}
	plan.Denial = denial

	next := NewSignedZone(zone)
	if base != nil {
		next = base.clone()
	}
	next.Denial = denial
	next.Generation = plan.BaseGeneration + 1
	next.SignedAt = now

	window := signingWindow{
		now:        now,
		inception:  now.Add(-e.policy.InceptionOffset),
		expiration: now.Add(e.policy.SignatureLifetime),
		refresh:    e.policy.refreshBefore(),
	}

	soaKey := RRsetKey{Name: zone, Type: dns.TypeSOA}
	for _, k := range sortedKeys(desired) {
		if k == soaKey {
			continue
		}
		rs, err := NewRRSet(desired[k])
		if err != nil {
			return plan, err
		}
		var cur *RRSet
		if base != nil {
			cur = base.rrSets[k]
		}
		updated, n, err := e.resign(ctx, ks, cur, rs, authoritative(zone, k, cuts), window)
		if err != nil {
			return plan, err
		}
		if updated != cur {
			next.put(updated)
			plan.Updated = append(plan.Updated, k)
		}
		plan.Signatures += n
	}
	if base != nil {
		for k := range base.rrSets {
			if _, ok := desired[k]; !ok {
				delete(next.rrSets, k)
				plan.Removed = append(plan.Removed, k)
			}
		}
		sort.Slice(plan.Removed, func(i, j int) bool { return rrsetKeyLess(plan.Removed[i], plan.Removed[j]) })
	}

	desiredSOA, err := NewRRSet(desired[soaKey])
	if err != nil {
		return plan, err
	}
	var curSOA *RRSet
	if base != nil {
		curSOA = base.rrSets[soaKey]
	}
	if len(plan.Updated) == 0 && len(plan.Removed) == 0 &&
		curSOA != nil && curSOA.sameData(desiredSOA) && e.signaturesCurrent(ks, curSOA, window) {
		plan.NextWake, plan.WakeReason = e.nextWake(ks, base, now)
		return plan, nil
	}

	// Something changed: the serial moves exactly once for this version.
	plan.Serial = e.policy.nextSerial(serial, content.SOA().Serial, now)
	soa := dns.Copy(desiredSOA.Records()[0]).(*dns.SOA)
	soa.Serial = plan.Serial
	soaSet, err := NewRRSet([]dns.RR{soa})
	if err != nil {
		return plan, err
	}
	signedSOA, n, err := e.resign(ctx, ks, nil, soaSet, true, window)
	if err != nil {
		return plan, err
	}
	next.put(signedSOA)
	next.Serial = plan.Serial
	plan.Updated = append(plan.Updated, soaKey)
	plan.Signatures += n

	plan.Next = next
	plan.NextWake, plan.WakeReason = e.nextWake(ks, next, now)
	return plan, nil
}

// desired assembles every RRset the next version must contain: the content,
// the DNSKEY RRset, the NSEC3PARAM and the denial chain.
func (e *Engine) desired(ks *KeySet, content *ZoneContent, previous Denial) (map[RRsetKey][]dns.RR, map[string]bool, Denial, error) {
	zone := content.Zone
	soa := content.SOA()

	sets, _ := groupRRsets(content.Records)

	dnskeyTTL := e.policy.DNSKEYTTL
	if dnskeyTTL == 0 {
		dnskeyTTL = soa.Hdr.Ttl
	}
	sets[RRsetKey{Name: zone, Type: dns.TypeDNSKEY}] = ks.DNSKEYs(dnskeyTTL)

	denial, err := chooseDenial(ks.Algorithms(), e.policy, previous)
	if err != nil {
		return nil, nil, Denial{}, err
	}
	chainTTL := min(soa.Hdr.Ttl, soa.Minttl)
	if denial.Mode == DenialNSEC3 {
		sets[RRsetKey{Name: zone, Type: dns.TypeNSEC3PARAM}] = []dns.RR{nsec3ParamRecord(zone, denial.NSEC3, chainTTL)}
	}

	cuts := delegations(zone, sets)
	names := map[string][]uint16{}
	for k := range sets {
		if occluded(zone, k.Name, cuts) {
			continue
		}
		if cuts[k.Name] && k.Type != dns.TypeNS && k.Type != dns.TypeDS {
			continue
		}
		names[k.Name] = append(names[k.Name], k.Type)
	}
	chain, err := BuildChain(zone, names, denial, chainTTL, e.hasher)
	if err != nil {
		return nil, nil, Denial{}, err
	}
	chainSets, _ := groupRRsets(chain)
	for k, rrs := range chainSets {
		sets[k] = rrs
	}
	return sets, cuts, denial, nil
}

type signingWindow struct {
	now        time.Time
	inception  time.Time
	expiration time.Time
	refresh    time.Duration
}

// keep reports whether sig may stay: its key is still a required signer
// and it is not yet due for refresh.
func (w signingWindow) keep(sig *dns.RRSIG, signers []*Key) bool {
	required := false
	for _, k := range signers {
		if k.Algorithm() == sig.Algorithm && k.KeyTag() == sig.KeyTag {
			required = true
			break
		}
	}
	if !required {
		return false
	}
	return signatureTime(sig.Expiration, w.now).Sub(w.now) > w.refresh
}

// resign returns the RRset to serve for desired, reusing cur and its
// signatures when they are still good. It returns cur itself when nothing
// changes, and the number of signatures made.
func (e *Engine) resign(ctx context.Context, ks *KeySet, cur, desired *RRSet, signed bool, w signingWindow) (*RRSet, int, error) {
	base := desired
	var kept []*dns.RRSIG
	if cur != nil && cur.sameData(desired) {
		base = cur
	}
	if !signed {
		if base == cur && !cur.IsSigned() {
			return cur, 0, nil
		}
		return base.withSignatures(nil), 0, nil
	}

	signers := ks.Signers(desired.Type())
	if base == cur {
		for _, sig := range cur.Signatures() {
			if w.keep(sig, signers) {
				kept = append(kept, sig)
			}
		}
	}

	var fresh []*dns.RRSIG
	for _, key := range signers {
		if hasSignature(kept, key) {
			continue
		}
		sig, err := e.signer.Sign(ctx, key, base.Records(), w.inception, w.expiration)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s with key %s: %v", ErrSigningFailed, desired.Key(), key, err)
		}
		fresh = append(fresh, sig)
	}

	if base == cur && len(fresh) == 0 && len(kept) == len(cur.Signatures()) {
		return cur, 0, nil
	}
	return base.withSignatures(append(kept, fresh...)), len(fresh), nil
}

// signaturesCurrent reports whether rs would keep all of its signatures and
// needs no new one.
func (e *Engine) signaturesCurrent(ks *KeySet, rs *RRSet, w signingWindow) bool {
	signers := ks.Signers(rs.Type())
	for _, sig := range rs.Signatures() {
		if !w.keep(sig, signers) {
			return false
		}
	}
	for _, key := range signers {
		if !hasSignature(rs.Signatures(), key) {
			return false
		}
	}
	return true
}

func hasSignature(sigs []*dns.RRSIG, key *Key) bool {
	for _, sig := range sigs {
		if sig.Algorithm == key.Algorithm() && sig.KeyTag == key.KeyTag() {
			return true
		}
	}
	return false
}

// nextWake is the earlier of the next key transition and the moment the
// first signature enters its refresh window, never before now. The zero
// time means there is nothing to wait for.
func (e *Engine) nextWake(ks *KeySet, z *SignedZone, now time.Time) (time.Time, Reason) {
	wake, found := ks.NextTransition()
	reason := ReasonKeyTransition
	if z != nil {
		if exp, ok := z.EarliestExpiry(now); ok {
			refreshAt := exp.Add(-e.policy.refreshBefore())
			if !found || refreshAt.Before(wake) {
				wake, found, reason = refreshAt, true, ReasonRefresh
			}
		}
	}
	if !found {
		return time.Time{}, ""
	}
	if wake.Before(now) {
		return now, reason
	}
	return wake, reason
}

func sortedKeys(sets map[RRsetKey][]dns.RR) []RRsetKey {
	out := make([]RRsetKey, 0, len(sets))
	for k := range sets {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return rrsetKeyLess(out[i], out[j]) })
	return out
}

func rrsetKeyLess(a, b RRsetKey) bool {
	if a.Name != b.Name {
		return canonicalLess(a.Name, b.Name)
	}
	return a.Type < b.Type
}
