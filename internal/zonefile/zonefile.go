// Package zonefile provides zone content from master files on disk.
package zonefile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/observability/logger"
)

// Provider is a zonesigner.ContentProvider reading one master file per
// zone. Files are parsed on every snapshot; $INCLUDE is allowed.
type Provider struct {
	mu    sync.RWMutex
	files map[string]string
}

func New(files map[string]string) *Provider {
	p := &Provider{files: make(map[string]string, len(files))}
	for zone, path := range files {
		p.files[dns.CanonicalName(zone)] = path
	}
	return p
}

// Zones returns the configured zones in name order.
func (p *Provider) Zones() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.files))
	for zone := range p.files {
		out = append(out, zone)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) path(zone string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	path, ok := p.files[dns.CanonicalName(zone)]
	return path, ok
}

func (p *Provider) Snapshot(ctx context.Context, zone string) (*zonesigner.ZoneContent, error) {
	zone = dns.CanonicalName(zone)
	path, ok := p.path(zone)
	if !ok {
		return nil, fmt.Errorf("%w: %s", zonesigner.ErrZoneNotFound, zone)
	}
	rrs, err := Parse(ctx, path, zone)
	if err != nil {
		return nil, err
	}
	return zonesigner.NewZoneContent(zone, rrs)
}

// Parse reads every record of the master file at path, with origin as the
// default origin.
func Parse(ctx context.Context, path, origin string) ([]dns.RR, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zp := dns.NewZoneParser(f, dns.CanonicalName(origin), path)
	zp.SetIncludeAllowed(true)

	var rrs []dns.RR
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
		if len(rrs)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rrs, nil
}

// Watch polls the modification time of every zone file and calls changed
// for each zone whose file was modified since the previous poll. It returns
// when ctx is done.
func (p *Provider) Watch(ctx context.Context, interval time.Duration, changed func(zone string)) {
	log := logger.From(ctx).With(logger.Component("zonefile"))
	seen := map[string]time.Time{}
	poll := func(report bool) {
		for _, zone := range p.Zones() {
			path, _ := p.path(zone)
			info, err := os.Stat(path)
			if err != nil {
				log.Warn("zone file not readable", logger.Zone(zone), logger.Path(path), logger.Err(err))
				continue
			}
			prev, ok := seen[zone]
			seen[zone] = info.ModTime()
			if report && ok && !prev.Equal(info.ModTime()) {
				log.Info("zone file changed", logger.Zone(zone), logger.Path(path))
				changed(zone)
			}
		}
	}

	poll(false)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(true)
		}
	}
}
