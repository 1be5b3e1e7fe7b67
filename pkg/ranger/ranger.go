package ranger

import (
	"github.com/i5heu/ouroboros-docs/pkg/entry"
)

// SyncConfig tunes the reconciliation recursion.
type SyncConfig struct {
	// MaxSetSize is the item-count threshold below which a range is
	// sent as a full entry list instead of a fingerprint.
	MaxSetSize int
	// SplitFactor is k, the number of child ranges a non-matching
	// range is partitioned into. At least 2.
	SplitFactor int
}

// DefaultSyncConfig returns the default thresholds.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{MaxSetSize: 16, SplitFactor: 2}
}

// Iterator is a forward-only sequence of signed entries. Next returns
// ok=false once the sequence is exhausted.
type Iterator interface {
	Next() (e entry.SignedEntry, ok bool, err error)
}

// Store is the ordered entry index the reconciliation runs against.
// Range iteration yields entries in the lexicographic order of the
// whole index, restricted to range membership; cyclic ranges are not
// rotated.
type Store interface {
	// GetFirst returns the smallest identifier in the index, or the
	// zero identifier if the index is empty.
	GetFirst() (entry.RecordIdentifier, error)
	// Get returns the entry stored under id, or nil.
	Get(id entry.RecordIdentifier) (*entry.SignedEntry, error)
	// Len returns the number of entries in the index.
	Len() (int, error)
	// GetFingerprint computes the fingerprint over all entries in rng.
	GetFingerprint(rng Range) (Fingerprint, error)
	// EntryPut stores e, replacing an entry under the same identifier.
	EntryPut(e entry.SignedEntry) error
	// EntryRemove deletes the entry under id, returning it if present.
	EntryRemove(id entry.RecordIdentifier) (*entry.SignedEntry, error)
	// GetRange iterates all entries inside rng.
	GetRange(rng Range) (Iterator, error)
	// PrefixesOf iterates all entries whose identifier is a prefix of
	// id, including the entry for id itself.
	PrefixesOf(id entry.RecordIdentifier) (Iterator, error)
	// RemovePrefixFiltered deletes all entries prefixed by id whose
	// record satisfies pred and returns how many were removed.
	RemovePrefixFiltered(id entry.RecordIdentifier, pred func(entry.Record) bool) (int, error)
}

// InsertOutcome reports whether Put stored the entry and how many
// entries it displaced.
type InsertOutcome struct {
	Inserted bool
	Removed  int
}

// Callbacks hook entry validation, insert notification and outgoing
// content status into message processing.
type Callbacks struct {
	// Validate decides whether an incoming entry may be stored. A
	// rejected entry is dropped, never an error.
	Validate func(e entry.SignedEntry, status entry.ContentStatus) bool
	// OnInsert is called for every incoming entry that was actually
	// inserted.
	OnInsert func(e entry.SignedEntry, status entry.ContentStatus)
	// ContentStatus supplies the local availability status attached
	// to every outgoing entry.
	ContentStatus func(e entry.SignedEntry) entry.ContentStatus
}

func (c Callbacks) validate(e entry.SignedEntry, status entry.ContentStatus) bool {
	if c.Validate == nil {
		return true
	}
	return c.Validate(e, status)
}

func (c Callbacks) onInsert(e entry.SignedEntry, status entry.ContentStatus) {
	if c.OnInsert != nil {
		c.OnInsert(e, status)
	}
}

func (c Callbacks) contentStatus(e entry.SignedEntry) entry.ContentStatus {
	if c.ContentStatus == nil {
		return entry.ContentMissing
	}
	return c.ContentStatus(e)
}

// InitialMessage builds the opening round: a single fingerprint over
// the whole set.
func InitialMessage(s Store) (*Message, error) {
	first, err := s.GetFirst()
	if err != nil {
		return nil, err
	}
	rng := NewRange(first, first)
	fp, err := s.GetFingerprint(rng)
	if err != nil {
		return nil, err
	}
	part := MessagePart{Fingerprint: &RangeFingerprint{Range: rng, Fingerprint: fp}}
	return &Message{Parts: []MessagePart{part}}, nil
}

// Put inserts a signed entry under the last-writer-wins rule with
// prefix semantics: the entry is stored only if it compares strictly
// greater than every stored entry whose key is a prefix of its key
// (including the same key), and all stored entries prefixed by its
// key that do not compare greater are removed. Tombstones clear their
// whole key subtree this way.
func Put(s Store, e entry.SignedEntry) (InsertOutcome, error) {
	prefixes, err := s.PrefixesOf(e.Entry.ID)
	if err != nil {
		return InsertOutcome{}, err
	}
	for {
		p, ok, err := prefixes.Next()
		if err != nil {
			return InsertOutcome{}, err
		}
		if !ok {
			break
		}
		if e.Entry.Record.Compare(p.Entry.Record) <= 0 {
			return InsertOutcome{Inserted: false}, nil
		}
	}

	removed, err := s.RemovePrefixFiltered(e.Entry.ID, func(r entry.Record) bool {
		return e.Entry.Record.Compare(r) >= 0
	})
	if err != nil {
		return InsertOutcome{}, err
	}

	if err := s.EntryPut(e); err != nil {
		return InsertOutcome{}, err
	}
	return InsertOutcome{Inserted: true, Removed: removed}, nil
}

func collectRange(s Store, rng Range) ([]entry.SignedEntry, error) {
	it, err := s.GetRange(rng)
	if err != nil {
		return nil, err
	}
	var out []entry.SignedEntry
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

func withStatus(cb Callbacks, es []entry.SignedEntry) []EntryWithStatus {
	out := make([]EntryWithStatus, 0, len(es))
	for _, e := range es {
		out = append(out, EntryWithStatus{Entry: e, Status: cb.contentStatus(e)})
	}
	return out
}

// ProcessMessage handles one incoming round and produces the reply,
// or nil when the exchange terminated for this side.
func ProcessMessage(s Store, cfg SyncConfig, msg *Message, cb Callbacks) (*Message, error) {
	var out []MessagePart

	var items []*RangeItem
	var fingerprints []*RangeFingerprint
	for _, part := range msg.Parts {
		switch {
		case part.Item != nil:
			items = append(items, part.Item)
		case part.Fingerprint != nil:
			fingerprints = append(fingerprints, part.Fingerprint)
		}
	}

	// Item parts: diff against the local range, store what is new,
	// reply with what the peer is missing.
	for _, item := range items {
		var diff []EntryWithStatus
		if !item.HaveLocal {
			ours, err := collectRange(s, item.Range)
			if err != nil {
				return nil, err
			}
			for _, our := range ours {
				covered := false
				for _, their := range item.Values {
					if their.Entry.Entry.ID.Equal(our.Entry.ID) &&
						their.Entry.Entry.Record.Compare(our.Entry.Record) >= 0 {
						covered = true
						break
					}
				}
				if !covered {
					diff = append(diff, EntryWithStatus{Entry: our, Status: cb.contentStatus(our)})
				}
			}
		}

		for _, v := range item.Values {
			if !cb.validate(v.Entry, v.Status) {
				continue
			}
			outcome, err := Put(s, v.Entry)
			if err != nil {
				return nil, err
			}
			if outcome.Inserted {
				cb.onInsert(v.Entry, v.Status)
			}
		}

		if !item.HaveLocal && len(diff) > 0 {
			out = append(out, MessagePart{Item: &RangeItem{
				Range:     item.Range,
				Values:    diff,
				HaveLocal: true,
			}})
		}
	}

	// Fingerprint parts: match, answer with items, or split.
	for _, rf := range fingerprints {
		local, err := s.GetFingerprint(rf.Range)
		if err != nil {
			return nil, err
		}
		if local == rf.Fingerprint {
			continue
		}

		locals, err := collectRange(s, rf.Range)
		if err != nil {
			return nil, err
		}
		n := len(locals)

		if n <= 1 || rf.Fingerprint == EmptyFingerprint {
			out = append(out, MessagePart{Item: &RangeItem{
				Range:     rf.Range,
				Values:    withStatus(cb, locals),
				HaveLocal: false,
			}})
			continue
		}

		parts, err := splitRange(s, cfg, cb, rf.Range, locals)
		if err != nil {
			return nil, err
		}
		out = append(out, parts...)
	}

	if len(out) == 0 {
		return nil, nil
	}
	return &Message{Parts: out}, nil
}

// splitRange partitions a non-matching range into SplitFactor child
// ranges of roughly equal count and emits a fingerprint or an item
// list per child depending on MaxSetSize.
func splitRange(s Store, cfg SyncConfig, cb Callbacks, rng Range, locals []entry.SignedEntry) ([]MessagePart, error) {
	n := len(locals)

	// Index of the first element at or after the range start; pivots
	// wrap around from there so child ranges follow the cyclic order.
	startIndex := 0
	for _, e := range locals {
		if e.Entry.ID.Compare(rng.X) >= 0 {
			break
		}
		startIndex++
	}

	pivot := func(i int) entry.RecordIdentifier {
		i = i % cfg.SplitFactor
		offset := (n * (i + 1)) / cfg.SplitFactor
		return locals[(startIndex+offset)%n].Entry.ID
	}

	var ranges []Range
	if rng.IsAll() {
		// The whole set: all children are regular ranges, exactly one
		// of them wraps around.
		for i := 0; i < cfg.SplitFactor; i++ {
			x, y := pivot(i), pivot(i+1)
			if x.Compare(y) != 0 {
				ranges = append(ranges, NewRange(x, y))
			}
		}
	} else {
		ranges = append(ranges, NewRange(rng.X, pivot(0)))
		for i := 0; i < cfg.SplitFactor-2; i++ {
			x, y := pivot(i), pivot(i+1)
			if x.Compare(y) != 0 {
				ranges = append(ranges, NewRange(x, y))
			}
		}
		ranges = append(ranges, NewRange(pivot(cfg.SplitFactor-2), rng.Y))
	}

	var out []MessagePart
	for _, child := range ranges {
		chunk, err := collectRange(s, child)
		if err != nil {
			return nil, err
		}
		if len(chunk) > cfg.MaxSetSize {
			fp, err := s.GetFingerprint(child)
			if err != nil {
				return nil, err
			}
			out = append(out, MessagePart{Fingerprint: &RangeFingerprint{
				Range:       child,
				Fingerprint: fp,
			}})
		} else {
			out = append(out, MessagePart{Item: &RangeItem{
				Range:     child,
				Values:    withStatus(cb, chunk),
				HaveLocal: false,
			}})
		}
	}
	return out, nil
}
