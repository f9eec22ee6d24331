// Package keydir reads zone signing keys from a directory tree:
//
//	<dir>/<zone>/<name>.yaml
//
// Each YAML file describes one key: its role, its DNSKEY in presentation
// format, the private key in BIND "Private-key-format" form (inline or as a
// path next to the file) and its timeline. Relative timeline values such as
// "+30d" are resolved against the modification time of the YAML file.
package keydir

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/observability/logger"
)

type keyFile struct {
	ID         string `yaml:"id"`
	Role       string `yaml:"role"`
	DNSKEY     string `yaml:"dnskey"`
	PrivateKey string `yaml:"private_key"`
	Timeline   struct {
		Generate string `yaml:"generate"`
		Publish  string `yaml:"publish"`
		Active   string `yaml:"active"`
		Retire   string `yaml:"retire"`
		Remove   string `yaml:"remove"`
	} `yaml:"timeline"`
}

type cachedKey struct {
	modTime time.Time
	key     zonesigner.Key
}

// Store is a zonesigner.KeyStore over a key directory. Parsed keys are
// cached per file and re-read when the file's modification time changes.
type Store struct {
	dir string
	sf  singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedKey
}

func New(dir string) *Store {
	return &Store{dir: dir, cache: map[string]cachedKey{}}
}

// ZoneDir is where the keys of zone live.
func (s *Store) ZoneDir(zone string) string {
	return filepath.Join(s.dir, strings.TrimSuffix(dns.CanonicalName(zone), "."))
}

// ListKeys loads every key file of zone. Concurrent calls for the same zone
// share one directory scan.
func (s *Store) ListKeys(ctx context.Context, zone string) ([]zonesigner.Key, error) {
	zone = dns.CanonicalName(zone)
	v, err, _ := s.sf.Do(zone, func() (interface{}, error) {
		return s.load(ctx, zone)
	})
	if err != nil {
		return nil, err
	}
	// Callers own the returned slice.
	return append([]zonesigner.Key(nil), v.([]zonesigner.Key)...), nil
}

func (s *Store) load(ctx context.Context, zone string) ([]zonesigner.Key, error) {
	dir := s.ZoneDir(zone)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []zonesigner.Key
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		c, ok := s.cache[path]
		s.mu.Unlock()
		if ok && c.modTime.Equal(info.ModTime()) {
			keys = append(keys, c.key)
			continue
		}

		k, err := ReadKeyFile(path, zone, info.ModTime())
		if err != nil {
			return nil, err
		}
		logger.From(ctx).Debug("key file loaded",
			logger.Zone(zone), logger.KeyID(k.ID), logger.KeyTag(k.KeyTag()), logger.Path(path))
		s.mu.Lock()
		s.cache[path] = cachedKey{modTime: info.ModTime(), key: k}
		s.mu.Unlock()
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// ReadKeyFile parses one key file. base anchors relative timeline values.
func ReadKeyFile(path, zone string, base time.Time) (zonesigner.Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return zonesigner.Key{}, err
	}
	var f keyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return zonesigner.Key{}, fmt.Errorf("%s: %w", path, err)
	}
	if f.ID == "" {
		f.ID = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}

	role, err := zonesigner.ParseRole(f.Role)
	if err != nil {
		return zonesigner.Key{}, fmt.Errorf("%s: %w", path, err)
	}

	private := f.PrivateKey
	if p := strings.TrimSpace(private); p != "" && !strings.Contains(p, "\n") && !strings.HasPrefix(p, "Private-key-format") {
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return zonesigner.Key{}, fmt.Errorf("%s: private key: %w", path, err)
		}
		private = string(raw)
	}

	dnskey, signer, err := ParseKeyPair(f.DNSKEY, private)
	if err != nil {
		return zonesigner.Key{}, fmt.Errorf("%s: %w", path, err)
	}

	var tl zonesigner.Timeline
	for _, field := range []struct {
		name string
		raw  string
		dst  *zonesigner.Instant
	}{
		{"generate", f.Timeline.Generate, &tl.Generate},
		{"publish", f.Timeline.Publish, &tl.Publish},
		{"active", f.Timeline.Active, &tl.Active},
		{"retire", f.Timeline.Retire, &tl.Retire},
		{"remove", f.Timeline.Remove, &tl.Remove},
	} {
		in, err := zonesigner.ParseInstant(field.raw, base)
		if err != nil {
			return zonesigner.Key{}, fmt.Errorf("%s: timeline.%s: %w", path, field.name, err)
		}
		*field.dst = in
	}

	return zonesigner.Key{
		ID:         f.ID,
		Zone:       dns.CanonicalName(zone),
		Role:       role,
		DNSKEY:     dnskey,
		PrivateKey: signer,
		Timeline:   tl,
	}, nil
}

// ParseKeyPair parses a DNSKEY record and the matching private key in BIND
// private key format. An empty private key yields a nil signer, which is
// fine for keys that are published but never sign.
func ParseKeyPair(dnskey, private string) (*dns.DNSKEY, crypto.Signer, error) {
	rr, err := dns.NewRR(dnskey)
	if err != nil {
		return nil, nil, fmt.Errorf("dnskey: %w", err)
	}
	key, ok := rr.(*dns.DNSKEY)
	if !ok || key == nil {
		return nil, nil, fmt.Errorf("dnskey: not a DNSKEY record: %q", dnskey)
	}
	if strings.TrimSpace(private) == "" {
		return key, nil, nil
	}
	pk, err := key.ReadPrivateKey(strings.NewReader(private), "private_key")
	if err != nil {
		return nil, nil, fmt.Errorf("private key of %d: %w", key.KeyTag(), err)
	}
	signer, ok := pk.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("private key of %d can not sign", key.KeyTag())
	}
	return key, signer, nil
}
