// Package netSync drives one sync session over an established
// connection: the initiator and acceptor state machines around the
// reconciliation rounds, abort handling, timeouts and the session
// outcome report.
package netSync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-docs/internal/actor"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

const (
	// defaultSessionTimeout bounds a whole session end to end.
	defaultSessionTimeout = 30 * time.Second
	// defaultRoundTimeout bounds one protocol round trip.
	defaultRoundTimeout = 10 * time.Second
	// maxBadEntries is how many invalid entries a peer may send
	// before the session aborts.
	maxBadEntries = 64
)

var (
	// ErrCancelled means the session was cancelled by the caller.
	ErrCancelled = errors.New("netSync: session cancelled")
	// ErrConnectFailed means the session stream could not be set up.
	ErrConnectFailed = errors.New("netSync: connect failed")
)

// AbortedError means the peer or the local side aborted the session.
type AbortedError struct {
	Reason transport.AbortReason
	Remote bool
}

func (e *AbortedError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("netSync: session aborted (%s): %s", side, e.Reason)
}

// Config tunes session behavior.
type Config struct {
	Sync           ranger.SyncConfig
	SessionTimeout time.Duration
	RoundTimeout   time.Duration
}

// DefaultConfig returns the default timeouts and thresholds.
func DefaultConfig() Config {
	return Config{
		Sync:           ranger.DefaultSyncConfig(),
		SessionTimeout: defaultSessionTimeout,
		RoundTimeout:   defaultRoundTimeout,
	}
}

func (c *Config) fill() {
	if c.Sync.MaxSetSize == 0 && c.Sync.SplitFactor == 0 {
		c.Sync = ranger.DefaultSyncConfig()
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = defaultRoundTimeout
	}
}

// Timings splits a session's wall-clock time into the connection
// setup and the reconciliation that followed.
type Timings struct {
	// Connect is the time until the session stream was established.
	Connect time.Duration
	// Process is the time the reconciliation rounds took after that.
	Process time.Duration
}

// Outcome reports a finished session.
type Outcome struct {
	Namespace  keys.NamespaceID
	Peer       keys.NodeID
	Origin     replica.SyncOrigin
	StartedAt  time.Time
	FinishedAt time.Time
	Timings    Timings
	// Sent and Received count entries that went over the wire.
	Sent     int
	Received int
	// HeadsReceived is the per-author maximum timestamp among the
	// received entries.
	HeadsReceived map[keys.AuthorID]uint64
	// Err is nil for a successful session.
	Err error
}

// Details converts the outcome into the subscriber event payload.
func (o Outcome) Details() *replica.SyncDetails {
	d := &replica.SyncDetails{
		Namespace:  o.Namespace,
		Peer:       o.Peer,
		Origin:     o.Origin,
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
		Connect:    o.Timings.Connect,
		Process:    o.Timings.Process,
		Sent:       o.Sent,
		Received:   o.Received,
	}
	if o.Err != nil {
		d.Err = o.Err.Error()
	}
	return d
}

// AcceptOutcome is the accept callback's decision on an inbound
// session.
type AcceptOutcome struct {
	Allow  bool
	Reason transport.AbortReason
}

// Allow accepts the session.
func Allow() AcceptOutcome { return AcceptOutcome{Allow: true} }

// Reject declines it with a reason.
func Reject(reason transport.AbortReason) AcceptOutcome {
	return AcceptOutcome{Reason: reason}
}

// session is the shared state of one running exchange.
type session struct {
	h      *actor.Handle
	cfg    Config
	log    *slog.Logger
	ns     keys.NamespaceID
	peer   keys.NodeID
	stream transport.Stream

	sent     int
	received int
	heads    map[keys.AuthorID]uint64
	bad      int
}

// ConnectAndSync runs the initiator side of a session for one
// namespace over an established connection.
func ConnectAndSync(ctx context.Context, h *actor.Handle, log *slog.Logger, ns keys.NamespaceID, conn transport.Conn, origin replica.SyncOrigin, cfg Config) Outcome {
	cfg.fill()
	out := Outcome{Namespace: ns, Peer: conn.RemoteNode(), Origin: origin, StartedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout)
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	out.Timings.Connect = time.Since(out.StartedAt)
	if err != nil {
		out.Err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		out.FinishedAt = time.Now()
		return out
	}
	s := &session{h: h, cfg: cfg, log: log, ns: ns, peer: out.Peer, stream: stream}

	err = s.runInitiator(ctx)
	out.FinishedAt = time.Now()
	out.Timings.Process = out.FinishedAt.Sub(out.StartedAt) - out.Timings.Connect
	out.Sent, out.Received, out.HeadsReceived = s.sent, s.received, s.heads
	out.Err = mapCancel(ctx, err)
	_ = stream.Close()
	return out
}

// HandleConnection runs the acceptor side of an inbound session.
// acceptCb decides per namespace whether the session may proceed.
func HandleConnection(ctx context.Context, h *actor.Handle, log *slog.Logger, conn transport.Conn, acceptCb func(ns keys.NamespaceID, peer keys.NodeID) AcceptOutcome, cfg Config) Outcome {
	cfg.fill()
	peer := conn.RemoteNode()
	out := Outcome{Peer: peer, Origin: replica.OriginAcceptedIncoming, StartedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	out.Timings.Connect = time.Since(out.StartedAt)
	if err != nil {
		out.Err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		out.FinishedAt = time.Now()
		return out
	}
	s := &session{h: h, cfg: cfg, log: log, peer: peer, stream: stream}

	err = s.runAcceptor(ctx, acceptCb)
	out.Namespace = s.ns
	out.FinishedAt = time.Now()
	out.Timings.Process = out.FinishedAt.Sub(out.StartedAt) - out.Timings.Connect
	out.Sent, out.Received, out.HeadsReceived = s.sent, s.received, s.heads
	out.Err = mapCancel(ctx, err)
	_ = stream.Close()
	return out
}

func mapCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

func (s *session) runInitiator(ctx context.Context) error {
	heads, err := s.h.AuthorHeads(ctx, s.ns)
	if err != nil {
		return err
	}
	initial, err := s.h.InitialMessage(ctx, s.ns)
	if err != nil {
		return err
	}
	s.countSent(initial)
	err = transport.WriteMessage(s.stream, transport.Message{
		Type:      transport.MsgInitialFingerprint,
		Namespace: s.ns,
		Heads:     heads,
		Ranger:    initial,
	})
	if err != nil {
		return err
	}
	return s.loop(ctx)
}

func (s *session) runAcceptor(ctx context.Context, acceptCb func(keys.NamespaceID, keys.NodeID) AcceptOutcome) error {
	msg, err := s.readRound(ctx)
	if err != nil {
		return err
	}
	if msg.Type != transport.MsgInitialFingerprint {
		return fmt.Errorf("netSync: expected initial fingerprint, got frame type %d", msg.Type)
	}
	s.ns = msg.Namespace

	if acceptCb != nil {
		if outcome := acceptCb(s.ns, s.peer); !outcome.Allow {
			_ = transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgAbort, Reason: outcome.Reason})
			return &AbortedError{Reason: outcome.Reason}
		}
	}

	// Author-heads shortcut: when both summaries dominate each other
	// and the whole-set fingerprints match, the session ends with no
	// traffic. Equal heads alone do not prove equal sets: older entries
	// or same-timestamp entries with different hashes can still differ.
	local, err := s.h.AuthorHeads(ctx, s.ns)
	if err != nil {
		_ = transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgAbort, Reason: transport.AbortInternalServerError})
		return err
	}
	if headsDominate(local, msg.Heads) && headsDominate(msg.Heads, local) {
		own, err := s.h.InitialMessage(ctx, s.ns)
		if err != nil {
			_ = transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgAbort, Reason: transport.AbortInternalServerError})
			return err
		}
		theirs := msg.Ranger
		if theirs != nil && len(theirs.Parts) == 1 && theirs.Parts[0].Fingerprint != nil &&
			own.Parts[0].Fingerprint.Fingerprint == theirs.Parts[0].Fingerprint.Fingerprint {
			s.log.Debug("author heads and fingerprints match, skipping reconciliation",
				"namespace", s.ns.String(), "peer", s.peer.String())
			return transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgDone})
		}
	}

	done, err := s.processRound(ctx, msg.Ranger)
	if err != nil || done {
		return err
	}
	return s.loop(ctx)
}

// loop alternates protocol rounds until one side is done.
func (s *session) loop(ctx context.Context) error {
	for {
		msg, err := s.readRound(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case transport.MsgDone:
			return nil
		case transport.MsgAbort:
			return &AbortedError{Reason: msg.Reason, Remote: true}
		case transport.MsgRangeFingerprints, transport.MsgRangeItems:
			done, err := s.processRound(ctx, msg.Ranger)
			if err != nil || done {
				return err
			}
		default:
			return fmt.Errorf("netSync: unexpected frame type %d", msg.Type)
		}
	}
}

// processRound runs one reconciliation round and writes the reply.
// Returns done=true when this side sent its final frame.
func (s *session) processRound(ctx context.Context, in *ranger.Message) (bool, error) {
	if in != nil {
		s.countReceived(in)
	}
	reply, invalid, err := s.h.ProcessMessage(ctx, s.ns, s.cfg.Sync, in, s.peer)
	if err != nil {
		_ = transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgAbort, Reason: transport.AbortInternalServerError})
		return false, err
	}
	s.bad += invalid
	if s.bad > maxBadEntries {
		_ = transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgAbort, Reason: transport.AbortBadEntries})
		return false, &AbortedError{Reason: transport.AbortBadEntries}
	}
	if reply == nil {
		return true, transport.WriteMessage(s.stream, transport.Message{Type: transport.MsgDone})
	}
	s.countSent(reply)
	return false, transport.WriteMessage(s.stream, transport.RangerMessage(reply))
}

// readRound reads one frame under the round timeout. A timeout or
// cancellation closes the stream, which unblocks the pending read.
func (s *session) readRound(ctx context.Context) (transport.Message, error) {
	type res struct {
		msg transport.Message
		err error
	}
	ch := make(chan res, 1)
	go func() {
		m, err := transport.ReadMessage(s.stream)
		ch <- res{msg: m, err: err}
	}()
	timer := time.NewTimer(s.cfg.RoundTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		_ = s.stream.Close()
		return transport.Message{}, fmt.Errorf("netSync: round timed out after %s", s.cfg.RoundTimeout)
	case <-ctx.Done():
		_ = s.stream.Close()
		return transport.Message{}, ctx.Err()
	}
}

func (s *session) countSent(m *ranger.Message) {
	if m != nil {
		s.sent += m.ValueCount()
	}
}

func (s *session) countReceived(m *ranger.Message) {
	if m == nil {
		return
	}
	for _, v := range m.Values() {
		s.received++
		a := v.Entry.Entry.ID.Author
		if ts := v.Entry.Entry.Record.Timestamp; ts > s.heads[a] {
			if s.heads == nil {
				s.heads = make(map[keys.AuthorID]uint64)
			}
			s.heads[a] = ts
		}
	}
}

// headsDominate reports whether a covers every author head in b.
func headsDominate(a, b map[keys.AuthorID]uint64) bool {
	for author, ts := range b {
		if a[author] < ts {
			return false
		}
	}
	return true
}
