package zonesigner

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Signer produces one RRSIG over an RRset with the given key. Implementations
// may delegate to an HSM; the engine never touches key material itself.
type Signer interface {
	Sign(ctx context.Context, key *Key, rrs []dns.RR, inception, expiration time.Time) (*dns.RRSIG, error)
}

// DNSSigner signs in-process with the key's crypto.Signer.
type DNSSigner struct{}

func (DNSSigner) Sign(ctx context.Context, key *Key, rrs []dns.RR, inception, expiration time.Time) (*dns.RRSIG, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key.PrivateKey == nil {
		return nil, fmt.Errorf("key %s has no private key", key.ID)
	}
	if len(rrs) == 0 {
		return nil, fmt.Errorf("nothing to sign")
	}
	sig := &dns.RRSIG{
		Hdr:        dns.RR_Header{Ttl: rrs[0].Header().Ttl},
		Algorithm:  key.Algorithm(),
		KeyTag:     key.KeyTag(),
		SignerName: dns.CanonicalName(key.Zone),
		Inception:  uint32(inception.Unix()),
		Expiration: uint32(expiration.Unix()),
	}
	if err := sig.Sign(key.PrivateKey, rrs); err != nil {
		return nil, err
	}
	return sig, nil
}
