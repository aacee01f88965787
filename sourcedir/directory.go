/*
Copyright (c) The ntpd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sourcedir

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"

	"github.com/coreclock/ntpd/engine"
	"github.com/coreclock/ntpd/selector"
)

// MaxSources bounds how many resolved sources the directory will track
// at once, guarding against a misconfiguration (or a pool directive
// resolving unexpectedly wide) exhausting memory or fds.
const MaxSources = 1024

// pendingLookup tracks a not-yet-resolved hostname's retry backoff.
type pendingLookup struct {
	name       string
	cfg        engine.Config
	nextTry    time.Time
	backoff    time.Duration
	maxBackoff time.Duration
}

// Directory maps resolved addresses to their engine.Peer and retries
// unresolved names on a capped exponential backoff.
type Directory struct {
	byAddr  map[netip.Addr]*engine.Peer
	pending []*pendingLookup
	nextID  selector.Handle
	cfg     engine.Config
}

// New creates an empty Directory. cfg is applied to every Peer created
// through AddName/AddAddr.
func New(cfg engine.Config) *Directory {
	return &Directory{byAddr: make(map[netip.Addr]*engine.Peer), cfg: cfg}
}

// AddAddr registers addr directly, without name resolution, using the
// Directory's default peer configuration.
func (d *Directory) AddAddr(addr netip.Addr) (*engine.Peer, error) {
	return d.AddAddrWithConfig(addr, d.cfg)
}

// AddAddrWithConfig is AddAddr with a per-source override of the
// Directory's default peer configuration, for directives that set
// "preferred", "noselect" or a non-default poll range.
func (d *Directory) AddAddrWithConfig(addr netip.Addr, cfg engine.Config) (*engine.Peer, error) {
	if len(d.byAddr) >= MaxSources {
		return nil, fmt.Errorf("sourcedir: at capacity (%d sources)", MaxSources)
	}
	if p, ok := d.byAddr[addr]; ok {
		return p, nil
	}
	p := engine.NewPeer(d.nextHandle(), addr, cfg)
	d.byAddr[addr] = p
	return p, nil
}

// AddName queues name for resolution using the Directory's default peer
// configuration. It is retried with capped exponential backoff until it
// resolves, matching how an administrator expects a source configured
// by hostname to eventually come up even if DNS is briefly unavailable
// at startup.
func (d *Directory) AddName(name string) {
	d.AddNameWithConfig(name, d.cfg)
}

// AddNameWithConfig is AddName with a per-source configuration override,
// applied once the name resolves.
func (d *Directory) AddNameWithConfig(name string, cfg engine.Config) {
	d.pending = append(d.pending, &pendingLookup{
		name:       name,
		cfg:        cfg,
		nextTry:    time.Now(),
		backoff:    time.Second,
		maxBackoff: 10 * time.Minute,
	})
}

// ResolvePending attempts to resolve any pending name whose backoff has
// elapsed, adding newly-resolved addresses to the directory.
func (d *Directory) ResolvePending(ctx context.Context) {
	now := time.Now()
	var remaining []*pendingLookup
	for _, p := range d.pending {
		if now.Before(p.nextTry) {
			remaining = append(remaining, p)
			continue
		}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", p.name)
		if err != nil || len(addrs) == 0 {
			p.backoff *= 2
			if p.backoff > p.maxBackoff {
				p.backoff = p.maxBackoff
			}
			p.nextTry = now.Add(p.backoff)
			log.Debugf("sourcedir: %s still unresolved, retrying in %s", p.name, p.backoff)
			remaining = append(remaining, p)
			continue
		}
		if _, err := d.AddAddrWithConfig(addrs[0].Unmap(), p.cfg); err != nil {
			log.Warningf("sourcedir: %s resolved but could not be added: %v", p.name, err)
		}
	}
	d.pending = remaining
}

// Lookup returns the peer for addr, if one is configured.
func (d *Directory) Lookup(addr netip.Addr) (*engine.Peer, bool) {
	p, ok := d.byAddr[addr]
	return p, ok
}

// Peers returns every currently-resolved peer.
func (d *Directory) Peers() []*engine.Peer {
	out := make([]*engine.Peer, 0, len(d.byAddr))
	for _, p := range d.byAddr {
		out = append(out, p)
	}
	return out
}

// ByHandle returns the peer carrying handle, if one is configured.
func (d *Directory) ByHandle(handle selector.Handle) (*engine.Peer, bool) {
	for _, p := range d.byAddr {
		if p.Handle == handle {
			return p, true
		}
	}
	return nil, false
}

// Remove drops addr's configured peer entirely, matching the classic
// control protocol's "unconfigure" request. If the removed peer was the
// selector's current pick, the next selection pass notices its handle is
// gone from the candidate set and picks a fresh source rather than
// holding a stale reference.
func (d *Directory) Remove(addr netip.Addr) (selector.Handle, bool) {
	p, ok := d.byAddr[addr]
	if !ok {
		return 0, false
	}
	delete(d.byAddr, addr)
	return p.Handle, true
}

// Unconfigure is Remove addressed by association handle, for callers (the
// control surface) that only carry the handle rather than the address.
func (d *Directory) Unconfigure(handle selector.Handle) bool {
	for addr, p := range d.byAddr {
		if p.Handle == handle {
			delete(d.byAddr, addr)
			return true
		}
	}
	return false
}

func (d *Directory) nextHandle() selector.Handle {
	d.nextID++
	return d.nextID
}

// ReferenceIDFor derives the stable 32-bit reference identifier an
// unconfigured unicast client is reported under: the low 32 bits of the
// xxhash of its address, matching the teacher's use of the same hash for
// stable address-derived identifiers elsewhere in the codebase.
func ReferenceIDFor(addr netip.Addr) uint32 {
	b := addr.As16()
	return uint32(xxhash.Sum64(b[:]))
}
