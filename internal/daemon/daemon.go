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

package daemon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coreclock/ntpd/access"
	"github.com/coreclock/ntpd/config"
	"github.com/coreclock/ntpd/control"
	"github.com/coreclock/ntpd/drift"
	"github.com/coreclock/ntpd/engine"
	"github.com/coreclock/ntpd/localclock"
	"github.com/coreclock/ntpd/ntpio"
	"github.com/coreclock/ntpd/ntptime"
	"github.com/coreclock/ntpd/reference"
	"github.com/coreclock/ntpd/refclock"
	"github.com/coreclock/ntpd/sched"
	"github.com/coreclock/ntpd/selector"
	"github.com/coreclock/ntpd/sourcedir"
	"github.com/coreclock/ntpd/sourcestats"
)

var pollClass = &sched.Class{MinSpacing: 10 * time.Millisecond, Jitter: 50 * time.Millisecond}

const (
	selectInterval    = 16 * time.Second
	dnsRetryInterval  = 5 * time.Second
	driftSaveInterval = 5 * time.Minute
)

// refSource pairs a refclock.Driver with its own statistics, so it can
// be fed into the selector exactly like a network Peer.
type refSource struct {
	handle selector.Handle
	driver refclock.Driver
	stats  *sourcestats.Stats
	reach  bool
	lastAt time.Time
}

// Daemon owns one instance of every core component and drives them from
// a single sched.Loop.
type Daemon struct {
	cfg *config.Config

	loop       *sched.Loop
	discipline *localclock.Discipline
	drift      *drift.File
	ref        *reference.Reference
	sel        *selector.Selector
	dir        *sourcedir.Directory
	filter     *access.Filter
	keys       map[uint32]*engine.Key
	engineCfg  engine.Config

	sockets    []*ntpio.Socket
	refSources []*refSource
	refBridge  *channelBridge[refSample]
	nextRefID  selector.Handle

	controlListener net.Listener
	controlServer   *control.Server

	lastResults []selector.Result

	registry *prometheus.Registry
	metrics  metrics
}

// clockChangeNotifier implements localclock.Listener, keeping every
// source's retained samples consistent with the local clock's timebase
// across a step: old samples are still expressed against the
// pre-correction clock, so they are shifted by the applied correction
// and penalized with extra dispersion to reflect the reduced confidence
// a step leaves in them.
type clockChangeNotifier struct {
	d *Daemon
}

// stepDispersionPenalty is the extra dispersion, in seconds, credited to
// every retained sample after a step — small relative to a typical
// network path's own dispersion, but enough that a source's very next
// regression doesn't treat pre-step samples as fully trustworthy.
const stepDispersionPenalty = 1e-3

func (n *clockChangeNotifier) OnClockChange(kind localclock.ChangeKind, correction time.Duration, at time.Time) {
	if kind != localclock.ChangeStep {
		return
	}
	correctionSeconds := correction.Seconds()
	for _, peer := range n.d.dir.Peers() {
		peer.Stats().SlewSamples(correctionSeconds)
		peer.Stats().AddDispersion(stepDispersionPenalty)
	}
	for _, rs := range n.d.refSources {
		rs.stats.SlewSamples(correctionSeconds)
		rs.stats.AddDispersion(stepDispersionPenalty)
	}
}

type refSample struct {
	source *refSource
	sample refclock.Sample
	err    error
}

type metrics struct {
	offset    prometheus.Gauge
	stratum   prometheus.Gauge
	sources   prometheus.Gauge
	selectRun prometheus.Counter
}

// New builds a Daemon from cfg. It opens listening sockets and the
// drift file, but does not start polling or serving — call Run for
// that.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.EvalAndValidate(); err != nil {
		return nil, err
	}

	keys := map[uint32]*engine.Key{}
	if cfg.KeyFile != "" {
		loaded, err := engine.LoadKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		keys = loaded
	}

	driftFile := drift.New(cfg.DriftFile)
	initialPPM, err := driftFile.Load()
	if err != nil {
		log.Warningf("daemon: loading drift file: %v", err)
	}

	discipline := localclock.New(localclock.DefaultConfig(), initialPPM)
	ref := reference.New(discipline)

	engineCfg := engine.Config{
		MinPoll:    cfg.MinPoll,
		MaxPoll:    cfg.MaxPoll,
		Selectable: true,
	}
	dir := sourcedir.New(engineCfg)

	filter := access.New(access.ActionAllow)
	for _, rule := range cfg.Access {
		prefix, err := netip.ParsePrefix(rule.CIDR)
		if err != nil {
			return nil, fmt.Errorf("daemon: bad access rule %q: %w", rule.CIDR, err)
		}
		action := access.ActionAllow
		if rule.Action == "deny" {
			action = access.ActionDeny
		}
		if err := filter.Insert(prefix, action); err != nil {
			return nil, err
		}
	}

	d := &Daemon{
		cfg:        cfg,
		loop:       sched.New(),
		discipline: discipline,
		drift:      driftFile,
		ref:        ref,
		sel:        selector.New(selector.DefaultConfig()),
		dir:        dir,
		filter:     filter,
		keys:       keys,
		engineCfg:  engineCfg,
		registry:   prometheus.NewRegistry(),
	}
	d.registerMetrics()
	d.discipline.AddListener(&clockChangeNotifier{d: d})

	for _, directive := range cfg.Sources {
		peerCfg := engineCfg
		peerCfg.Preferred = directive.Preferred
		peerCfg.Selectable = !directive.NoSelect
		if directive.MinPoll != 0 {
			peerCfg.MinPoll = directive.MinPoll
		}
		if directive.MaxPoll != 0 {
			peerCfg.MaxPoll = directive.MaxPoll
		}
		if directive.KeyID != 0 {
			key, ok := keys[directive.KeyID]
			if !ok {
				return nil, fmt.Errorf("daemon: source %s references unknown key id %d", directive.Address, directive.KeyID)
			}
			peerCfg.Key = key
		}
		if addr, err := netip.ParseAddr(directive.Address); err == nil {
			peer, err := dir.AddAddrWithConfig(addr, peerCfg)
			if err != nil {
				return nil, err
			}
			if directive.Peer {
				peer.Mode = engine.ModeSymmetricActive
			}
		} else {
			dir.AddNameWithConfig(directive.Address, peerCfg)
		}
	}

	for _, listenAddr := range cfg.ListenAddresses {
		addrPort, err := netip.ParseAddrPort(listenAddr)
		if err != nil {
			return nil, fmt.Errorf("daemon: bad listen address %q: %w", listenAddr, err)
		}
		expanded, err := expandWildcardListen(addrPort)
		if err != nil {
			return nil, err
		}
		for _, ap := range expanded {
			sock, err := ntpio.Listen(ap)
			if err != nil {
				return nil, err
			}
			d.sockets = append(d.sockets, sock)
		}
	}

	if cfg.ControlSocket != "" {
		os.Remove(cfg.ControlSocket)
		listener, err := net.Listen("unix", cfg.ControlSocket)
		if err != nil {
			return nil, fmt.Errorf("daemon: listening on control socket %s: %w", cfg.ControlSocket, err)
		}
		d.controlListener = listener
		d.controlServer = control.NewServer(listener, d)
	}

	return d, nil
}

func (d *Daemon) registerMetrics() {
	d.metrics = metrics{
		offset:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "ntpd_offset_seconds", Help: "Current combined clock offset."}),
		stratum:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "ntpd_stratum", Help: "Current effective stratum."}),
		sources:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "ntpd_sources", Help: "Number of configured sources."}),
		selectRun: prometheus.NewCounter(prometheus.CounterOpts{Name: "ntpd_select_runs_total", Help: "Number of selection passes run."}),
	}
	d.registry.MustRegister(d.metrics.offset, d.metrics.stratum, d.metrics.sources, d.metrics.selectRun)
}

// AddRefClock adds a local reference clock driver, run in its own
// goroutine and bridged into the scheduler.
func (d *Daemon) AddRefClock(dr refclock.Driver) {
	d.nextRefID++
	d.refSources = append(d.refSources, &refSource{
		handle: d.nextRefID,
		driver: dr,
		stats:  sourcestats.New(sourcestats.DefaultWindow),
	})
}

// Registry exposes the prometheus registry for an HTTP metrics handler.
func (d *Daemon) Registry() *prometheus.Registry { return d.registry }

// Run brings the daemon up and blocks until ctx is canceled or an
// unrecoverable error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	for _, sock := range d.sockets {
		sock := sock
		d.loop.RegisterFD(sock.FD(), func(time.Time) { d.handleInbound(sock) })
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if d.controlServer != nil {
		eg.Go(func() error {
			err := d.controlServer.Serve()
			if egCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if len(d.refSources) > 0 {
		bridge, err := newChannelBridge[refSample](len(d.refSources) * 2)
		if err != nil {
			return err
		}
		d.refBridge = bridge
		defer bridge.close()
		bridge.register(d.loop, d.onRefSample)
		for _, rs := range d.refSources {
			rs := rs
			eg.Go(func() error {
				for {
					sample, err := rs.driver.Poll()
					select {
					case <-egCtx.Done():
						return nil
					default:
					}
					bridge.send(refSample{source: rs, sample: sample, err: err})
					if err != nil {
						return nil
					}
				}
			})
		}
	}

	for _, peer := range d.dir.Peers() {
		d.schedulePoll(peer)
	}
	d.scheduleDNSRetry(egCtx)
	d.scheduleSelect()
	d.scheduleDriftSave()

	eg.Go(func() error {
		<-egCtx.Done()
		d.loop.Stop()
		for _, sock := range d.sockets {
			sock.Close()
		}
		if d.controlListener != nil {
			d.controlListener.Close()
		}
		return nil
	})

	eg.Go(func() error { return d.loop.Run() })

	return eg.Wait()
}

func (d *Daemon) handleInbound(sock *ntpio.Socket) {
	pkt, err := sock.Recv()
	if err != nil {
		return
	}
	if d.filter.Lookup(pkt.From.Addr()) == access.ActionDeny {
		return
	}
	wire, err := ntptime.BytesToPacket(pkt.Data)
	if err != nil {
		log.Debugf("daemon: malformed packet from %s: %v", pkt.From, err)
		return
	}
	if peer, ok := d.dir.Lookup(pkt.From.Addr()); ok && wire.Mode() != ntptime.ModeClient {
		if _, _, err := peer.Accept(pkt.Data, pkt.RxTime); err != nil {
			log.Debugf("daemon: rejecting reply from %s: %v", pkt.From, err)
		}
		return
	}
	d.serveRequest(sock, pkt, wire)
}

func (d *Daemon) serveRequest(sock *ntpio.Socket, pkt ntpio.Packet, wire *ntptime.Packet) {
	sync, leap, stratum, refTime := d.ref.Status()
	state := engine.ServerState{
		Stratum:       stratum,
		Precision:     -20,
		ReferenceTime: refTime,
	}
	if sync == reference.Unsynchronized {
		state.LeapIndicator = ntptime.LeapNotInSync
	} else {
		state.LeapIndicator = leapWireCode(leap)
	}
	resp := engine.BuildResponse(wire, state, pkt.RxTime, time.Now())
	raw, err := resp.Bytes()
	if err != nil {
		log.Warningf("daemon: encoding response to %s: %v", pkt.From, err)
		return
	}
	if err := sock.SendTo(raw, pkt.From); err != nil {
		log.Debugf("daemon: sending response to %s: %v", pkt.From, err)
	}
}

func leapWireCode(leap reference.LeapStatus) uint8 {
	switch leap {
	case reference.LeapPendingInsert:
		return ntptime.LeapInsert
	case reference.LeapPendingDelete:
		return ntptime.LeapDelete
	default:
		return ntptime.LeapNone
	}
}

func (d *Daemon) schedulePoll(peer *engine.Peer) {
	d.loop.After(peer.PollInterval(), pollClass, func(now time.Time) {
		if peer.Awaiting() {
			peer.Timeout()
		}
		if peer.Online() {
			d.pollPeer(peer)
		}
		d.schedulePoll(peer)
	})
}

func (d *Daemon) pollPeer(peer *engine.Peer) {
	req, err := peer.BuildRequest(time.Now())
	if err != nil {
		log.Warningf("daemon: building request for %s: %v", peer.Address, err)
		return
	}
	sock := d.socketFor(peer.Address)
	if sock == nil {
		log.Warningf("daemon: no listening socket suitable for %s", peer.Address)
		return
	}
	const ntpPort = 123
	if err := sock.SendTo(req, netip.AddrPortFrom(peer.Address, ntpPort)); err != nil {
		log.Debugf("daemon: polling %s: %v", peer.Address, err)
	}
}

// socketFor picks the listening socket to send a request for addr from:
// the one matching addr's address family, since a dual-stack daemon may
// have separate IPv4 and IPv6 sockets bound to different local
// addresses.
func (d *Daemon) socketFor(addr netip.Addr) *ntpio.Socket {
	var fallback *ntpio.Socket
	for _, s := range d.sockets {
		if fallback == nil {
			fallback = s
		}
		if s.Family() == addr.Is4() {
			return s
		}
	}
	return fallback
}

func (d *Daemon) scheduleDNSRetry(ctx context.Context) {
	var tick func(time.Time)
	tick = func(time.Time) {
		d.dir.ResolvePending(ctx)
		d.loop.After(dnsRetryInterval, nil, tick)
	}
	d.loop.After(dnsRetryInterval, nil, tick)
}

func (d *Daemon) scheduleSelect() {
	var tick func(time.Time)
	tick = func(now time.Time) {
		d.runSelect(now)
		d.loop.After(selectInterval, nil, tick)
	}
	d.loop.After(selectInterval, nil, tick)
}

func (d *Daemon) scheduleDriftSave() {
	var tick func(time.Time)
	tick = func(time.Time) {
		saver := drift.PeriodicSaver{File: d.drift, Source: d.discipline.FrequencyPPM}
		saver.Save()
		d.loop.After(driftSaveInterval, nil, tick)
	}
	d.loop.After(driftSaveInterval, nil, tick)
}

func (d *Daemon) runSelect(now time.Time) {
	var candidates []selector.Candidate

	for _, peer := range d.dir.Peers() {
		sd := peer.Stats().GetSelectionData(now)
		candidates = append(candidates, selector.Candidate{
			Handle:         peer.Handle,
			Selectable:     peer.Selectable(),
			Preferred:      peer.Preferred(),
			Stratum:        sd.Stratum,
			Reachable:      peer.Reachable(),
			LastUpdate:     now.Add(-sd.LastSampleAge),
			Offset:         (sd.LoOffset + sd.HiOffset) / 2,
			EstimatedError: (sd.HiOffset - sd.LoOffset) / 2,
			Dispersion:     peer.Stats().MinRoundTripDelay() / 2,
			RootDelay:      sd.RootDelay,
			RootDispersion: sd.RootDispersion,
			NSamples:       peer.Stats().NSamples(),
			FreqPPM:        sd.FreqPPM,
			SkewPPM:        sd.SkewPPM,
			SelectOK:       sd.SelectOK,
			Leap:           selector.LeapVote(sd.Leap),
		})
	}
	for _, rs := range d.refSources {
		sd := rs.stats.GetSelectionData(now)
		candidates = append(candidates, selector.Candidate{
			Handle:         rs.handle,
			Selectable:     true,
			RefClock:       true,
			Stratum:        rs.driver.Stratum(),
			Reachable:      rs.reach,
			LastUpdate:     now.Add(-sd.LastSampleAge),
			Offset:         (sd.LoOffset + sd.HiOffset) / 2,
			EstimatedError: (sd.HiOffset - sd.LoOffset) / 2,
			Dispersion:     rs.stats.MinRoundTripDelay() / 2,
			RootDelay:      sd.RootDelay,
			RootDispersion: sd.RootDispersion,
			NSamples:       rs.stats.NSamples(),
			FreqPPM:        sd.FreqPPM,
			SkewPPM:        sd.SkewPPM,
			SelectOK:       sd.SelectOK,
		})
	}

	results, combined := d.sel.Select(candidates, now)
	d.lastResults = results
	d.metrics.selectRun.Inc()
	d.metrics.sources.Set(float64(len(candidates)))

	if err := d.ref.Update(combined, uint8(combined.Leap), now); err != nil {
		log.Warningf("daemon: applying clock correction: %v", err)
		return
	}
	d.metrics.offset.Set(combined.Offset)
	_, _, stratum, _ := d.ref.Status()
	d.metrics.stratum.Set(float64(stratum))
}

func (d *Daemon) onRefSample(rs refSample) {
	if rs.err != nil {
		rs.source.reach = false
		log.Warningf("daemon: refclock driver failed: %v", rs.err)
		return
	}
	rs.source.reach = true
	rs.source.lastAt = rs.sample.At
	rs.source.stats.Accumulate(sourcestats.Sample{
		At:         rs.sample.At,
		Offset:     rs.sample.Offset,
		Dispersion: rs.sample.Dispersion,
		Stratum:    rs.source.driver.Stratum(),
	})
}

// ReadSources implements control.Reporter.
func (d *Daemon) ReadSources() []control.SourceReport {
	now := time.Now()
	var out []control.SourceReport
	for _, peer := range d.dir.Peers() {
		td := peer.Stats().GetTrackingData(now)
		out = append(out, control.SourceReport{
			AssociationID: uint16(peer.Handle),
			Fields: map[string]string{
				"addr":      peer.Address.String(),
				"reach":     strconv.FormatBool(peer.Reachable()),
				"offset":    strconv.FormatFloat(td.Offset, 'f', -1, 64),
				"freq_ppm":  strconv.FormatFloat(td.FreqPPM, 'f', -1, 64),
				"n_samples": strconv.Itoa(peer.Stats().NSamples()),
			},
		})
	}
	return out
}

// ReadTracking implements control.Reporter.
func (d *Daemon) ReadTracking() map[string]string {
	sync, leap, stratum, lastUpdate := d.ref.Status()
	return map[string]string{
		"sync":        strconv.Itoa(int(sync)),
		"leap_status": strconv.Itoa(int(leap)),
		"stratum":     strconv.Itoa(int(stratum)),
		"freq_ppm":    strconv.FormatFloat(d.discipline.FrequencyPPM(), 'f', -1, 64),
		"last_update": lastUpdate.UTC().Format(time.RFC3339),
	}
}

// ActivityReport implements control.Reporter, summarizing the most
// recent selection pass's outcome by status, the equivalent of the
// classic control protocol's "activity" request.
func (d *Daemon) ActivityReport() map[string]string {
	counts := map[string]int{}
	for _, r := range d.lastResults {
		counts[r.Status.String()]++
	}
	out := make(map[string]string, len(counts)+3)
	for status, n := range counts {
		out[status] = strconv.Itoa(n)
	}
	processStats(out)
	return out
}

// Online implements control.Reporter.
func (d *Daemon) Online(assocID uint16) error {
	peer, ok := d.dir.ByHandle(selector.Handle(assocID))
	if !ok {
		return fmt.Errorf("daemon: no source with association id %d", assocID)
	}
	peer.SetOnline()
	return nil
}

// Offline implements control.Reporter.
func (d *Daemon) Offline(assocID uint16) error {
	peer, ok := d.dir.ByHandle(selector.Handle(assocID))
	if !ok {
		return fmt.Errorf("daemon: no source with association id %d", assocID)
	}
	peer.SetOffline()
	return nil
}

// Burst implements control.Reporter.
func (d *Daemon) Burst(assocID uint16) error {
	peer, ok := d.dir.ByHandle(selector.Handle(assocID))
	if !ok {
		return fmt.Errorf("daemon: no source with association id %d", assocID)
	}
	peer.Burst()
	return nil
}

// Unconfigure implements control.Reporter. Removing the currently
// selected source is safe: the selector notices the handle is gone from
// its next candidate set and picks a fresh source instead of holding a
// stale reference, but an immediate pass is forced here so the control
// client sees the effect without waiting for the next scheduled one.
func (d *Daemon) Unconfigure(assocID uint16) error {
	if !d.dir.Unconfigure(selector.Handle(assocID)) {
		return fmt.Errorf("daemon: no source with association id %d", assocID)
	}
	d.runSelect(d.now())
	return nil
}

// Reselect implements control.Reporter, forcing an immediate selection
// pass instead of waiting for the next scheduled one.
func (d *Daemon) Reselect() {
	d.runSelect(d.now())
}

// now is the control surface's notion of "now": the scheduler loop's
// last dispatch time if it has run at least once, since that is the
// timebase every scheduled poll and selection pass already shares,
// falling back to the wall clock before the loop has started.
func (d *Daemon) now() time.Time {
	if t := d.loop.GetLastEventTime(); !t.IsZero() {
		return t
	}
	return time.Now()
}

// MakeStep implements control.Reporter, forcing the next clock
// correction to apply as a step regardless of its size.
func (d *Daemon) MakeStep() error {
	d.discipline.ForceStepNext()
	return nil
}

// AccessAdd implements control.Reporter.
func (d *Daemon) AccessAdd(cidr string, allow bool) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("daemon: bad access rule %q: %w", cidr, err)
	}
	action := access.ActionAllow
	if !allow {
		action = access.ActionDeny
	}
	return d.filter.Insert(prefix, action)
}

// AccessDelete implements control.Reporter.
func (d *Daemon) AccessDelete(cidr string) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("daemon: bad access rule %q: %w", cidr, err)
	}
	d.filter.Remove(prefix)
	return nil
}
