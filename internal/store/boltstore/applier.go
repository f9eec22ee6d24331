// Package boltstore persists committed signed versions in a BoltDB file so a
// restarted daemon resumes from the last served serial and NSEC3 salt
// instead of re-signing every zone.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
	"github.com/miekg/dns"

	"github.com/hazcod/zonesigner"
)

var (
	versionsBucket    = []byte("versions")
	generationsBucket = []byte("generations")
)

// storedVersion is the on-disk form of a signed version. Records are kept
// in presentation format, RRSIGs included.
type storedVersion struct {
	Zone       string   `cbor:"1,keyasint"`
	Generation uint64   `cbor:"2,keyasint"`
	Serial     uint32   `cbor:"3,keyasint"`
	Denial     uint8    `cbor:"4,keyasint"`
	Hash       uint8    `cbor:"5,keyasint"`
	Flags      uint8    `cbor:"6,keyasint"`
	Iterations uint16   `cbor:"7,keyasint"`
	SaltLength uint8    `cbor:"8,keyasint"`
	Salt       string   `cbor:"9,keyasint"`
	SignedAt   int64    `cbor:"10,keyasint"`
	Records    []string `cbor:"11,keyasint"`
}

// Applier is a zonesigner.Applier over BoltDB. The generation check and
// the write happen in one update transaction.
type Applier struct {
	db *bolt.DB

	mu    sync.Mutex
	cache map[string]*zonesigner.SignedZone
}

func Open(path string) (*Applier, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(versionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(generationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Applier{db: db, cache: map[string]*zonesigner.SignedZone{}}, nil
}

func (a *Applier) Close() error {
	return a.db.Close()
}

func generationOf(tx *bolt.Tx, zone string) uint64 {
	v := tx.Bucket(generationsBucket).Get([]byte(zone))
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (a *Applier) Current(ctx context.Context, zone string) (*zonesigner.SignedZone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	zone = dns.CanonicalName(zone)

	var (
		gen uint64
		raw []byte
	)
	a.mu.Lock()
	cached := a.cache[zone]
	a.mu.Unlock()

	err := a.db.View(func(tx *bolt.Tx) error {
		gen = generationOf(tx, zone)
		if gen == 0 || (cached != nil && cached.Generation == gen) {
			return nil
		}
		// Bolt memory is only valid inside the transaction.
		raw = append([]byte(nil), tx.Bucket(versionsBucket).Get([]byte(zone))...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if gen == 0 {
		return nil, nil
	}
	if cached != nil && cached.Generation == gen {
		return cached, nil
	}

	z, err := decode(raw)
	if err != nil {
		return nil, &zonesigner.UnreadableVersionError{Zone: zone, Generation: gen, Serial: storedSerial(raw), Err: err}
	}
	a.mu.Lock()
	a.cache[zone] = z
	a.mu.Unlock()
	return z, nil
}

func (a *Applier) Commit(ctx context.Context, zone string, expected uint64, next *zonesigner.SignedZone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zone = dns.CanonicalName(zone)
	raw, err := encode(next)
	if err != nil {
		return err
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		if have := generationOf(tx, zone); have != expected {
			return fmt.Errorf("%w: %s at generation %d, expected %d", zonesigner.ErrConflict, zone, have, expected)
		}
		if err := tx.Bucket(versionsBucket).Put([]byte(zone), raw); err != nil {
			return err
		}
		var g [8]byte
		binary.BigEndian.PutUint64(g[:], next.Generation)
		return tx.Bucket(generationsBucket).Put([]byte(zone), g[:])
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cache[zone] = next
	a.mu.Unlock()
	return nil
}

// Zones lists every zone with a stored version.
func (a *Applier) Zones() ([]string, error) {
	var out []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(generationsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func encode(z *zonesigner.SignedZone) ([]byte, error) {
	rrs := z.Records()
	v := storedVersion{
		Zone:       z.Zone,
		Generation: z.Generation,
		Serial:     z.Serial,
		Denial:     uint8(z.Denial.Mode),
		Hash:       z.Denial.NSEC3.Hash,
		Flags:      z.Denial.NSEC3.Flags,
		Iterations: z.Denial.NSEC3.Iterations,
		SaltLength: z.Denial.NSEC3.SaltLength,
		Salt:       z.Denial.NSEC3.Salt,
		SignedAt:   z.SignedAt.Unix(),
		Records:    make([]string, len(rrs)),
	}
	for i, rr := range rrs {
		v.Records[i] = rr.String()
	}
	return cbor.Marshal(v)
}

// storedSerial recovers the serial of a version whose records can not be
// parsed. It returns zero when the envelope itself is damaged.
func storedSerial(raw []byte) uint32 {
	var v struct {
		Serial uint32 `cbor:"3,keyasint"`
	}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v.Serial
}

func decode(raw []byte) (*zonesigner.SignedZone, error) {
	var v storedVersion
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	rrs := make([]dns.RR, 0, len(v.Records))
	for _, line := range v.Records {
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, err
		}
		rrs = append(rrs, rr)
	}
	denial := zonesigner.Denial{
		Mode: zonesigner.DenialMode(v.Denial),
		NSEC3: zonesigner.NSEC3Params{
			Hash:       v.Hash,
			Flags:      v.Flags,
			Iterations: v.Iterations,
			SaltLength: v.SaltLength,
			Salt:       v.Salt,
		},
	}
	z, err := zonesigner.SignedZoneFromRecords(v.Zone, v.Generation, denial, time.Unix(v.SignedAt, 0).UTC(), rrs)
	if err != nil {
		return nil, err
	}
	z.Serial = v.Serial
	return z, nil
}
