// Package replica implements the per-document state machine: local
// and remote inserts under last-writer-wins, tombstone deletion,
// subscriber fanout, and the download policy deciding content
// fetches.
package replica

import (
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// EventKind discriminates replica events.
type EventKind uint8

const (
	// EventInsertLocal fires for entries inserted by a local author.
	EventInsertLocal EventKind = iota
	// EventInsertRemote fires for entries accepted from a peer.
	EventInsertRemote
	// EventContentReady fires when the blob store obtained content.
	EventContentReady
	// EventNeighborUp fires when a gossip neighbor appeared.
	EventNeighborUp
	// EventNeighborDown fires when a gossip neighbor vanished.
	EventNeighborDown
	// EventSyncFinished fires when a sync session ended.
	EventSyncFinished
	// EventPendingContentReady fires once all content pending at the
	// end of a sync session became available.
	EventPendingContentReady
)

// SyncOrigin says why a sync session was started.
type SyncOrigin uint8

const (
	// OriginAcceptedIncoming is a session a remote peer dialed.
	OriginAcceptedIncoming SyncOrigin = iota
	// OriginDialedByApi is a session requested through the API.
	OriginDialedByApi
	// OriginDialedByReport is a session triggered by a gossip sync
	// report announcing news.
	OriginDialedByReport
	// OriginDialedByNeighbor is an opportunistic session to a fresh
	// gossip neighbor.
	OriginDialedByNeighbor
)

// String returns the textual origin name.
func (o SyncOrigin) String() string {
	switch o {
	case OriginAcceptedIncoming:
		return "accepted-incoming"
	case OriginDialedByApi:
		return "dialed-by-api"
	case OriginDialedByReport:
		return "dialed-by-report"
	case OriginDialedByNeighbor:
		return "dialed-by-neighbor"
	default:
		return "unknown"
	}
}

// SyncDetails summarizes a finished sync session.
type SyncDetails struct {
	Namespace  keys.NamespaceID
	Peer       keys.NodeID
	Origin     SyncOrigin
	StartedAt  time.Time
	FinishedAt time.Time
	// Connect is the time until the session stream was established,
	// Process the reconciliation time after that.
	Connect  time.Duration
	Process  time.Duration
	Sent     int
	Received int
	// Err is empty when the session succeeded.
	Err string
}

// Event is a replica notification delivered to subscribers. Kind
// selects which fields are meaningful.
type Event struct {
	Kind      EventKind
	Namespace keys.NamespaceID
	// Entry is set for insert events.
	Entry entry.SignedEntry
	// From is the providing peer for remote inserts and the neighbor
	// for neighbor events.
	From keys.NodeID
	// ShouldDownload reports whether the download policy wants the
	// content of a remote insert.
	ShouldDownload bool
	// RemoteContentStatus is the sender's availability claim on a
	// remote insert.
	RemoteContentStatus entry.ContentStatus
	// Hash is set for content-ready events.
	Hash entry.Hash
	// Sync is set for sync-finished events.
	Sync *SyncDetails
}

// subscriberBackoff is how long a full subscriber channel is given
// before the second and final delivery attempt.
const subscriberBackoff = 10 * time.Millisecond

// Subscribers is a set of bounded event channels. Dispatch never
// blocks the writer beyond one backoff retry; subscribers that stay
// full are dropped.
type Subscribers struct {
	chans []chan<- Event
}

// Subscribe adds a sender endpoint.
func (s *Subscribers) Subscribe(ch chan<- Event) {
	s.chans = append(s.chans, ch)
}

// Unsubscribe removes a sender endpoint.
func (s *Subscribers) Unsubscribe(ch chan<- Event) {
	kept := s.chans[:0]
	for _, c := range s.chans {
		if c != ch {
			kept = append(kept, c)
		}
	}
	s.chans = kept
}

// Len returns the number of live subscribers.
func (s *Subscribers) Len() int {
	return len(s.chans)
}

// CloseAll closes every subscriber channel, signalling shutdown.
func (s *Subscribers) CloseAll() {
	for _, c := range s.chans {
		close(c)
	}
	s.chans = nil
}

// Send dispatches ev to all subscribers, dropping any that cannot
// accept it after one backoff retry.
func (s *Subscribers) Send(ev Event) {
	kept := s.chans[:0]
	for _, c := range s.chans {
		if trySend(c, ev) {
			kept = append(kept, c)
		} else {
			close(c)
		}
	}
	s.chans = kept
}

func trySend(c chan<- Event, ev Event) (delivered bool) {
	// A closed receiver panics the send; treat it as gone.
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case c <- ev:
		return true
	default:
	}
	time.Sleep(subscriberBackoff)
	select {
	case c <- ev:
		return true
	default:
		return false
	}
}
