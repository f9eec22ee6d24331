// Package pg is a zonesigner.KeyStore over PostgreSQL.
//
// Keys live in one table:
//
//	CREATE TABLE dnssec_keys (
//	    id          text PRIMARY KEY,
//	    zone        text NOT NULL,
//	    role        text NOT NULL,          -- zsk | ksk | csk
//	    dnskey      text NOT NULL,          -- presentation format
//	    private_key text NOT NULL DEFAULT '', -- BIND private key format
//	    generate_at timestamptz,
//	    publish_at  timestamptz,
//	    active_at   timestamptz,
//	    retire_at   timestamptz,
//	    remove_at   timestamptz
//	);
//
// A NULL timestamp is an unset stage; '-infinity' is a stage that is
// reached immediately.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/miekg/dns"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/keydir"
)

type Store struct{ pool *pgxpool.Pool }

// New connects to dsn. maxConns of zero keeps the pgxpool default.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool (idempotent).
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

type keyRow struct {
	ID         string
	Zone       string
	Role       string
	DNSKEY     string
	PrivateKey string
	Generate   pgtype.Timestamptz
	Publish    pgtype.Timestamptz
	Active     pgtype.Timestamptz
	Retire     pgtype.Timestamptz
	Remove     pgtype.Timestamptz
}

func (s *Store) ListKeys(ctx context.Context, zone string) ([]zonesigner.Key, error) {
	const q = `
SELECT id, zone, role, dnskey, private_key, generate_at, publish_at, active_at, retire_at, remove_at
FROM dnssec_keys
WHERE lower(zone) = $1
ORDER BY id`
	rows, err := s.pool.Query(ctx, q, dns.CanonicalName(zone))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []zonesigner.Key
	for rows.Next() {
		var r keyRow
		if err := rows.Scan(&r.ID, &r.Zone, &r.Role, &r.DNSKEY, &r.PrivateKey,
			&r.Generate, &r.Publish, &r.Active, &r.Retire, &r.Remove); err != nil {
			return nil, err
		}
		k, err := r.key()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpsertKey stores k with its private key in BIND format.
func (s *Store) UpsertKey(ctx context.Context, k zonesigner.Key, private string) error {
	const q = `
INSERT INTO dnssec_keys (id, zone, role, dnskey, private_key, generate_at, publish_at, active_at, retire_at, remove_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    zone = EXCLUDED.zone, role = EXCLUDED.role, dnskey = EXCLUDED.dnskey, private_key = EXCLUDED.private_key,
    generate_at = EXCLUDED.generate_at, publish_at = EXCLUDED.publish_at, active_at = EXCLUDED.active_at,
    retire_at = EXCLUDED.retire_at, remove_at = EXCLUDED.remove_at`
	tl := k.Timeline
	_, err := s.pool.Exec(ctx, q, k.ID, dns.CanonicalName(k.Zone), k.Role.String(), k.DNSKEY.String(), private,
		timestamp(tl.Generate), timestamp(tl.Publish), timestamp(tl.Active), timestamp(tl.Retire), timestamp(tl.Remove))
	return err
}

func (r keyRow) key() (zonesigner.Key, error) {
	role, err := zonesigner.ParseRole(r.Role)
	if err != nil {
		return zonesigner.Key{}, fmt.Errorf("key %s: %w", r.ID, err)
	}
	dnskey, signer, err := keydir.ParseKeyPair(r.DNSKEY, r.PrivateKey)
	if err != nil {
		return zonesigner.Key{}, fmt.Errorf("key %s: %w", r.ID, err)
	}
	return zonesigner.Key{
		ID:         r.ID,
		Zone:       dns.CanonicalName(r.Zone),
		Role:       role,
		DNSKEY:     dnskey,
		PrivateKey: signer,
		Timeline: zonesigner.Timeline{
			Generate: instant(r.Generate),
			Publish:  instant(r.Publish),
			Active:   instant(r.Active),
			Retire:   instant(r.Retire),
			Remove:   instant(r.Remove),
		},
	}, nil
}

func instant(ts pgtype.Timestamptz) zonesigner.Instant {
	switch {
	case !ts.Valid, ts.InfinityModifier == pgtype.Infinity:
		return zonesigner.Instant{}
	case ts.InfinityModifier == pgtype.NegativeInfinity:
		return zonesigner.Now()
	}
	return zonesigner.InstantAt(ts.Time)
}

func timestamp(in zonesigner.Instant) pgtype.Timestamptz {
	switch in.Kind() {
	case zonesigner.Immediate:
		return pgtype.Timestamptz{InfinityModifier: pgtype.NegativeInfinity, Valid: true}
	case zonesigner.At:
		t, _ := in.Time()
		return pgtype.Timestamptz{Time: t, Valid: true}
	}
	return pgtype.Timestamptz{}
}
