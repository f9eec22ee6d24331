package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazcod/zonesigner"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func version(t *testing.T, generation uint64, serial uint32) *zonesigner.SignedZone {
	t.Helper()
	soa := mustRR(t, "example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 1 7200 3600 1209600 300").(*dns.SOA)
	soa.Serial = serial
	denial := zonesigner.Denial{
		Mode:  zonesigner.DenialNSEC3,
		NSEC3: zonesigner.NSEC3Params{Hash: dns.SHA1, Iterations: 0, SaltLength: 4, Salt: "AABBCCDD"},
	}
	z, err := zonesigner.SignedZoneFromRecords("example.org.", generation, denial, time.Unix(1700000000, 0).UTC(), []dns.RR{
		soa,
		mustRR(t, "example.org. 3600 IN NS ns1.example.org."),
		mustRR(t, "ns1.example.org. 3600 IN A 192.0.2.1"),
	})
	require.NoError(t, err)
	return z
}

func open(t *testing.T, path string) *Applier {
	t.Helper()
	a, err := Open(path)
	require.NoError(t, err)
	return a
}

func TestCurrentOfUnknownZone(t *testing.T) {
	a := open(t, filepath.Join(t.TempDir(), "versions.db"))
	defer a.Close()

	z, err := a.Current(context.Background(), "example.org.")
	require.NoError(t, err)
	assert.Nil(t, z)
}

func TestCommitAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.db")
	ctx := context.Background()

	a := open(t, path)
	require.NoError(t, a.Commit(ctx, "example.org.", 0, version(t, 1, 10)))
	require.NoError(t, a.Commit(ctx, "Example.ORG", 1, version(t, 2, 11)))
	require.NoError(t, a.Close())

	a = open(t, path)
	defer a.Close()
	z, err := a.Current(ctx, "example.org.")
	require.NoError(t, err)
	require.NotNil(t, z)
	assert.Equal(t, uint64(2), z.Generation)
	assert.Equal(t, uint32(11), z.Serial)
	assert.Equal(t, zonesigner.DenialNSEC3, z.Denial.Mode)
	assert.Equal(t, "AABBCCDD", z.Denial.NSEC3.Salt)
	assert.Len(t, z.Records(), 3)
	assert.NoError(t, z.Check())

	zones, err := a.Zones()
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org."}, zones)
}

func TestCommitConflict(t *testing.T) {
	a := open(t, filepath.Join(t.TempDir(), "versions.db"))
	defer a.Close()
	ctx := context.Background()

	require.NoError(t, a.Commit(ctx, "example.org.", 0, version(t, 1, 10)))
	err := a.Commit(ctx, "example.org.", 0, version(t, 1, 11))
	require.ErrorIs(t, err, zonesigner.ErrConflict)

	z, err := a.Current(ctx, "example.org.")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), z.Serial)
}

func TestCommitHonoursCancelledContext(t *testing.T) {
	a := open(t, filepath.Join(t.TempDir(), "versions.db"))
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Commit(ctx, "example.org.", 0, version(t, 1, 10)), context.Canceled)
}

func TestUnreadableVersionKeepsGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.db")
	ctx := context.Background()

	a := open(t, path)
	require.NoError(t, a.Commit(ctx, "example.org.", 0, version(t, 1, 10)))
	raw, err := cbor.Marshal(storedVersion{Zone: "example.org.", Generation: 1, Serial: 10, Records: []string{"www.example.org. 300 IN A not-an-address"}})
	require.NoError(t, err)
	require.NoError(t, a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(versionsBucket).Put([]byte("example.org."), raw)
	}))
	require.NoError(t, a.Close())

	a = open(t, path)
	defer a.Close()
	_, err = a.Current(ctx, "example.org.")
	var unreadable *zonesigner.UnreadableVersionError
	require.ErrorAs(t, err, &unreadable)
	assert.ErrorIs(t, err, zonesigner.ErrCorruptedState)
	assert.Equal(t, uint64(1), unreadable.Generation)
	assert.Equal(t, uint32(10), unreadable.Serial)

	require.NoError(t, a.Commit(ctx, "example.org.", unreadable.Generation, version(t, 2, 11)))
	z, err := a.Current(ctx, "example.org.")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), z.Serial)

	require.NoError(t, a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(versionsBucket).Put([]byte("example.org."), []byte{0xff, 0x00})
	}))
	delete(a.cache, "example.org.")
	_, err = a.Current(ctx, "example.org.")
	require.ErrorAs(t, err, &unreadable)
	assert.Equal(t, uint64(2), unreadable.Generation)
	assert.Zero(t, unreadable.Serial)
}
