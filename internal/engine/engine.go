// Package engine runs live sync: it tracks which namespaces joined
// the swarm, keeps at most one session per namespace and peer,
// reacts to gossip (neighbors and sync reports) and forwards content
// downloads to the blob store according to the download policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-docs/internal/actor"
	"github.com/i5heu/ouroboros-docs/internal/netSync"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

// ErrAlreadySyncing means a session for this namespace and peer is
// already in flight.
var ErrAlreadySyncing = errors.New("engine: already syncing with this peer")

// SyncReport is the gossip broadcast a node sends after syncing: its
// identity and its per-author heads, so neighbors can tell whether
// the sender has news for them.
type SyncReport struct {
	Peer      keys.NodeID
	Namespace keys.NamespaceID
	Heads     map[keys.AuthorID]uint64
}

// GossipEventKind discriminates gossip events.
type GossipEventKind uint8

const (
	// GossipNeighborUp means a neighbor joined the namespace swarm.
	GossipNeighborUp GossipEventKind = iota
	// GossipNeighborDown means a neighbor left. Observational only.
	GossipNeighborDown
	// GossipReport carries a SyncReport broadcast.
	GossipReport
)

// GossipEvent is one event from the gossip collaborator.
type GossipEvent struct {
	Kind      GossipEventKind
	Namespace keys.NamespaceID
	Peer      keys.NodeID
	Report    *SyncReport
}

// Gossip is the consumed membership layer.
type Gossip interface {
	Join(ctx context.Context, ns keys.NamespaceID, bootstrap []keys.NodeID) error
	Leave(ctx context.Context, ns keys.NamespaceID) error
	Broadcast(ctx context.Context, ns keys.NamespaceID, report SyncReport) error
	Events() <-chan GossipEvent
}

// ContentStore is the consumed blob store surface.
type ContentStore interface {
	// Has reports the local availability of a hash.
	Has(ctx context.Context, hash entry.Hash) (entry.ContentStatus, error)
	// Request starts fetching a blob from the given peer.
	Request(ctx context.Context, hash entry.Hash, from keys.NodeID) error
	// Ready streams hashes whose content became available.
	Ready() <-chan entry.Hash
}

// namespaceState tracks live sync for one namespace.
type namespaceState struct {
	joined   bool
	peers    map[keys.NodeID]struct{}
	inFlight map[keys.NodeID]replica.SyncOrigin
	// pendingContent is the set of hashes still missing after remote
	// inserts; when it drains, PendingContentReady fires.
	pendingContent map[entry.Hash]struct{}
	events         chan replica.Event
}

// Engine coordinates live sync sessions across namespaces.
type Engine struct {
	h       *actor.Handle
	dialer  transport.Dialer
	gossip  Gossip
	content ContentStore
	log     *slog.Logger
	cfg     netSync.Config
	local   keys.NodeID

	mu     sync.Mutex
	states map[keys.NamespaceID]*namespaceState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine. gossip and content may be nil when the node
// runs without those collaborators; related features degrade to
// no-ops.
func New(h *actor.Handle, dialer transport.Dialer, gossip Gossip, content ContentStore, local keys.NodeID, cfg netSync.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		h:       h,
		dialer:  dialer,
		gossip:  gossip,
		content: content,
		log:     log,
		cfg:     cfg,
		local:   local,
		states:  make(map[keys.NamespaceID]*namespaceState),
		ctx:     ctx,
		cancel:  cancel,
	}
	if gossip != nil {
		e.wg.Add(1)
		go e.gossipLoop()
	}
	if content != nil {
		e.wg.Add(1)
		go e.contentLoop()
	}
	return e
}

// Shutdown aborts all sessions and stops the engine loops.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) state(ns keys.NamespaceID) *namespaceState {
	st, ok := e.states[ns]
	if !ok {
		st = &namespaceState{
			peers:          make(map[keys.NodeID]struct{}),
			inFlight:       make(map[keys.NodeID]replica.SyncOrigin),
			pendingContent: make(map[entry.Hash]struct{}),
		}
		e.states[ns] = st
	}
	return st
}

// StartSync joins the namespace's swarm and dials sessions to the
// given peers plus any stored useful peers.
func (e *Engine) StartSync(ctx context.Context, ns keys.NamespaceID, peers []keys.NodeID) error {
	stored, err := e.h.GetSyncPeers(ctx, ns)
	if err != nil {
		return err
	}
	all := append(append([]keys.NodeID(nil), peers...), stored...)

	e.mu.Lock()
	st := e.state(ns)
	joined := st.joined
	st.joined = true
	for _, p := range all {
		if !p.IsZero() && !p.Equal(e.local) {
			st.peers[p] = struct{}{}
		}
	}
	e.mu.Unlock()

	if err := e.watchEvents(ctx, ns); err != nil {
		return err
	}

	if e.gossip != nil && !joined {
		if err := e.gossip.Join(ctx, ns, all); err != nil {
			return fmt.Errorf("engine: join gossip: %w", err)
		}
	}

	for _, p := range all {
		if p.IsZero() || p.Equal(e.local) {
			continue
		}
		if err := e.dialSession(ns, p, replica.OriginDialedByApi); err != nil && !errors.Is(err, ErrAlreadySyncing) {
			e.log.Warn("dial sync session failed", "namespace", ns.String(), "peer", p.String(), "err", err)
		}
	}
	return nil
}

// StopSync leaves the swarm and forgets the namespace's live state.
func (e *Engine) StopSync(ctx context.Context, ns keys.NamespaceID) error {
	e.mu.Lock()
	st, ok := e.states[ns]
	if ok {
		delete(e.states, ns)
		if st.events != nil {
			_ = e.h.Unsubscribe(ctx, ns, st.events)
		}
	}
	e.mu.Unlock()
	if !ok || e.gossip == nil {
		return nil
	}
	return e.gossip.Leave(ctx, ns)
}

// AcceptSync serves an inbound connection: it rejects unknown
// namespaces and duplicate sessions, then runs the acceptor state
// machine.
func (e *Engine) AcceptSync(conn transport.Conn) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		registered := false
		outcome := netSync.HandleConnection(e.ctx, e.h, e.log, conn, func(ns keys.NamespaceID, peer keys.NodeID) netSync.AcceptOutcome {
			if _, err := e.h.Capability(e.ctx, ns); err != nil {
				return netSync.Reject(transport.AbortNotFound)
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			st := e.state(ns)
			if _, busy := st.inFlight[peer]; busy {
				return netSync.Reject(transport.AbortAlreadySyncing)
			}
			st.inFlight[peer] = replica.OriginAcceptedIncoming
			registered = true
			return netSync.Allow()
		}, e.cfg)
		_ = conn.Close()
		// A rejected duplicate never owned the in-flight slot; clearing
		// it would break dedup for the session that does.
		if registered && !outcome.Namespace.IsZero() {
			e.finishSession(outcome)
		}
	}()
}

// HandleSyncReport reacts to a gossip sync report: a session is
// dialed only when the reporter's heads show news for us.
func (e *Engine) HandleSyncReport(report SyncReport) {
	ns := report.Namespace
	heads, err := e.h.AuthorHeads(e.ctx, ns)
	if err != nil {
		return
	}
	if !hasNews(report.Heads, heads) {
		return
	}
	if err := e.dialSession(ns, report.Peer, replica.OriginDialedByReport); err != nil && !errors.Is(err, ErrAlreadySyncing) {
		e.log.Debug("dial after sync report failed", "namespace", ns.String(), "peer", report.Peer.String(), "err", err)
	}
}

// hasNews reports whether remote heads exceed local ones for any
// author.
func hasNews(remote, local map[keys.AuthorID]uint64) bool {
	for author, ts := range remote {
		if local[author] < ts {
			return true
		}
	}
	return false
}

// dialSession starts one outgoing session. At most one session per
// (namespace, peer) may be in flight.
func (e *Engine) dialSession(ns keys.NamespaceID, peer keys.NodeID, origin replica.SyncOrigin) error {
	if e.dialer == nil {
		return fmt.Errorf("engine: no dialer configured")
	}
	e.mu.Lock()
	st := e.state(ns)
	if _, busy := st.inFlight[peer]; busy {
		e.mu.Unlock()
		return ErrAlreadySyncing
	}
	st.inFlight[peer] = origin
	st.peers[peer] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		conn, err := e.dialer.Dial(e.ctx, peer)
		if err != nil {
			e.finishSession(netSync.Outcome{
				Namespace: ns, Peer: peer, Origin: origin,
				Err: fmt.Errorf("%w: %v", netSync.ErrConnectFailed, err),
			})
			return
		}
		outcome := netSync.ConnectAndSync(e.ctx, e.h, e.log, ns, conn, origin, e.cfg)
		_ = conn.Close()
		e.finishSession(outcome)
	}()
	return nil
}

// finishSession clears the in-flight slot, records useful peers,
// emits the SyncFinished event and broadcasts a sync report.
func (e *Engine) finishSession(o netSync.Outcome) {
	e.mu.Lock()
	st := e.state(o.Namespace)
	delete(st.inFlight, o.Peer)
	e.mu.Unlock()

	if o.Err == nil && o.Received > 0 {
		if err := e.h.RegisterUsefulPeer(e.ctx, o.Namespace, o.Peer); err != nil {
			e.log.Debug("register useful peer failed", "err", err)
		}
	}

	_ = e.h.Emit(e.ctx, o.Namespace, replica.Event{
		Kind:      replica.EventSyncFinished,
		Namespace: o.Namespace,
		From:      o.Peer,
		Sync:      o.Details(),
	})

	if o.Err != nil {
		e.log.Debug("sync session failed",
			"namespace", o.Namespace.String(), "peer", o.Peer.String(),
			"origin", o.Origin.String(), "err", o.Err)
		return
	}
	e.log.Debug("sync session finished",
		"namespace", o.Namespace.String(), "peer", o.Peer.String(),
		"origin", o.Origin.String(), "sent", o.Sent, "recv", o.Received,
		"connect", o.Timings.Connect, "process", o.Timings.Process)

	if e.gossip != nil && o.Received > 0 {
		heads, err := e.h.AuthorHeads(e.ctx, o.Namespace)
		if err == nil {
			_ = e.gossip.Broadcast(e.ctx, o.Namespace, SyncReport{
				Peer:      e.local,
				Namespace: o.Namespace,
				Heads:     heads,
			})
		}
	}
}

// watchEvents subscribes the engine to a namespace so remote inserts
// can drive content downloads.
func (e *Engine) watchEvents(ctx context.Context, ns keys.NamespaceID) error {
	e.mu.Lock()
	st := e.state(ns)
	if st.events != nil {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan replica.Event, 128)
	st.events = ch
	e.mu.Unlock()

	if err := e.h.Subscribe(ctx, ns, ch); err != nil {
		e.mu.Lock()
		st.events = nil
		e.mu.Unlock()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Kind == replica.EventInsertRemote {
					e.maybeDownload(ns, ev)
				}
			}
		}
	}()
	return nil
}

// maybeDownload asks the blob store for the content of a remote
// insert when the download policy wants it and it is missing.
func (e *Engine) maybeDownload(ns keys.NamespaceID, ev replica.Event) {
	if e.content == nil || !ev.ShouldDownload {
		return
	}
	hash := ev.Entry.Entry.Record.Hash
	status, err := e.content.Has(e.ctx, hash)
	if err != nil || status == entry.ContentComplete {
		return
	}
	e.mu.Lock()
	e.state(ns).pendingContent[hash] = struct{}{}
	e.mu.Unlock()
	if err := e.content.Request(e.ctx, hash, ev.From); err != nil {
		e.log.Debug("content request failed", "hash", hash.String(), "err", err)
	}
}

// gossipLoop consumes neighbor and report events.
func (e *Engine) gossipLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.gossip.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case GossipNeighborUp:
				_ = e.h.Emit(e.ctx, ev.Namespace, replica.Event{
					Kind: replica.EventNeighborUp, Namespace: ev.Namespace, From: ev.Peer,
				})
				if err := e.dialSession(ev.Namespace, ev.Peer, replica.OriginDialedByNeighbor); err != nil && !errors.Is(err, ErrAlreadySyncing) {
					e.log.Debug("dial after neighbor up failed", "err", err)
				}
			case GossipNeighborDown:
				_ = e.h.Emit(e.ctx, ev.Namespace, replica.Event{
					Kind: replica.EventNeighborDown, Namespace: ev.Namespace, From: ev.Peer,
				})
			case GossipReport:
				if ev.Report != nil {
					e.HandleSyncReport(*ev.Report)
				}
			}
		}
	}
}

// contentLoop turns blob-store readiness into ContentReady events and
// fires PendingContentReady when a namespace's missing set drains.
func (e *Engine) contentLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case hash, ok := <-e.content.Ready():
			if !ok {
				return
			}
			e.mu.Lock()
			var ready []keys.NamespaceID
			var drained []keys.NamespaceID
			for ns, st := range e.states {
				if _, pending := st.pendingContent[hash]; pending {
					delete(st.pendingContent, hash)
					ready = append(ready, ns)
					if len(st.pendingContent) == 0 {
						drained = append(drained, ns)
					}
				}
			}
			e.mu.Unlock()
			for _, ns := range ready {
				_ = e.h.Emit(e.ctx, ns, replica.Event{
					Kind: replica.EventContentReady, Namespace: ns, Hash: hash,
				})
			}
			for _, ns := range drained {
				_ = e.h.Emit(e.ctx, ns, replica.Event{
					Kind: replica.EventPendingContentReady, Namespace: ns,
				})
			}
		}
	}
}
