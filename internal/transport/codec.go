package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
)

const (
	// maxFrameMB bounds a single protocol frame.
	maxFrameMB = 64
	maxFrame   = maxFrameMB * 1024 * 1024
)

// MessageType discriminates sync protocol frames.
type MessageType uint32

const (
	// MsgInitialFingerprint opens a session: namespace, the sender's
	// author heads, and the fingerprint over the whole set.
	MsgInitialFingerprint MessageType = 1
	// MsgRangeFingerprints carries only range fingerprints.
	MsgRangeFingerprints MessageType = 2
	// MsgRangeItems carries at least one range item part.
	MsgRangeItems MessageType = 3
	// MsgDone ends the exchange from the sender's side.
	MsgDone MessageType = 4
	// MsgAbort rejects or cancels the session with a reason.
	MsgAbort MessageType = 5
)

// AbortReason explains a MsgAbort frame.
type AbortReason uint8

const (
	// AbortNotFound means the namespace is not available.
	AbortNotFound AbortReason = 1
	// AbortAlreadySyncing means a session for this namespace and peer
	// is already running.
	AbortAlreadySyncing AbortReason = 2
	// AbortInternalServerError means the responder failed internally.
	AbortInternalServerError AbortReason = 3
	// AbortBadEntries means the peer sent too many invalid entries.
	AbortBadEntries AbortReason = 4
	// AbortShutdown means the node is shutting down.
	AbortShutdown AbortReason = 5
)

// String returns the textual reason.
func (r AbortReason) String() string {
	switch r {
	case AbortNotFound:
		return "not found"
	case AbortAlreadySyncing:
		return "already syncing"
	case AbortInternalServerError:
		return "internal server error"
	case AbortBadEntries:
		return "too many invalid entries"
	case AbortShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message is one sync protocol frame.
type Message struct {
	Type MessageType
	// Namespace is set on MsgInitialFingerprint.
	Namespace keys.NamespaceID
	// Heads is the sender's author-head summary, set on
	// MsgInitialFingerprint.
	Heads map[keys.AuthorID]uint64
	// Ranger is set on the fingerprint/item frame types.
	Ranger *ranger.Message
	// Reason is set on MsgAbort.
	Reason AbortReason
}

// RangerMessage wraps a reconciliation round into a frame, choosing
// the type by content.
func RangerMessage(m *ranger.Message) Message {
	t := MsgRangeFingerprints
	for _, p := range m.Parts {
		if p.Item != nil {
			t = MsgRangeItems
			break
		}
	}
	return Message{Type: t, Ranger: m}
}

// WriteMessage frames and writes a message: a 4-byte big-endian
// length prefix followed by the type tag and the body.
func WriteMessage(w io.Writer, msg Message) error {
	body := encodeBody(msg)
	payload := make([]byte, 0, 4+len(body))
	payload = binary.BigEndian.AppendUint32(payload, uint32(msg.Type))
	payload = append(payload, body...)
	if len(payload) > maxFrame {
		return fmt.Errorf("transport: frame exceeds %dMB limit", maxFrameMB)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// ReadMessage reads and parses one frame.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("transport: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size < 4 || size > maxFrame {
		return Message{}, fmt.Errorf("transport: invalid frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("transport: read frame payload: %w", err)
	}
	msg := Message{Type: MessageType(binary.BigEndian.Uint32(payload[:4]))}
	body := payload[4:]
	return decodeBody(msg, body)
}

func encodeBody(msg Message) []byte {
	var out []byte
	switch msg.Type {
	case MsgInitialFingerprint:
		out = append(out, msg.Namespace[:]...)
		out = encodeHeads(out, msg.Heads)
		out = encodeRanger(out, msg.Ranger)
	case MsgRangeFingerprints, MsgRangeItems:
		out = encodeRanger(out, msg.Ranger)
	case MsgAbort:
		out = append(out, byte(msg.Reason))
	}
	return out
}

func decodeBody(msg Message, body []byte) (Message, error) {
	switch msg.Type {
	case MsgInitialFingerprint:
		if len(body) < keys.IDSize {
			return msg, fmt.Errorf("transport: init frame truncated")
		}
		copy(msg.Namespace[:], body[:keys.IDSize])
		body = body[keys.IDSize:]
		heads, rest, err := decodeHeads(body)
		if err != nil {
			return msg, err
		}
		msg.Heads = heads
		rm, err := decodeRanger(rest)
		if err != nil {
			return msg, err
		}
		msg.Ranger = rm
	case MsgRangeFingerprints, MsgRangeItems:
		rm, err := decodeRanger(body)
		if err != nil {
			return msg, err
		}
		msg.Ranger = rm
	case MsgDone:
	case MsgAbort:
		if len(body) < 1 {
			return msg, fmt.Errorf("transport: abort frame truncated")
		}
		msg.Reason = AbortReason(body[0])
	default:
		return msg, fmt.Errorf("transport: unknown frame type %d", msg.Type)
	}
	return msg, nil
}

// Author heads are written sorted by author id so the encoding is
// deterministic.
func encodeHeads(out []byte, heads map[keys.AuthorID]uint64) []byte {
	ids := make([]keys.AuthorID, 0, len(heads))
	for id := range heads {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && keys.CompareIDs(ids[j], ids[j-1]) < 0; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(ids)))
	for _, id := range ids {
		out = append(out, id[:]...)
		out = binary.BigEndian.AppendUint64(out, heads[id])
	}
	return out
}

func decodeHeads(b []byte) (map[keys.AuthorID]uint64, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("transport: heads truncated")
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	heads := make(map[keys.AuthorID]uint64, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < keys.IDSize+8 {
			return nil, nil, fmt.Errorf("transport: heads entry %d truncated", i)
		}
		var id keys.AuthorID
		copy(id[:], b[:keys.IDSize])
		heads[id] = binary.BigEndian.Uint64(b[keys.IDSize : keys.IDSize+8])
		b = b[keys.IDSize+8:]
	}
	return heads, b, nil
}

func encodeRanger(out []byte, m *ranger.Message) []byte {
	if m == nil {
		return binary.BigEndian.AppendUint32(out, 0)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Parts)))
	for _, p := range m.Parts {
		switch {
		case p.Fingerprint != nil:
			out = append(out, 0)
			out = encodeRange(out, p.Fingerprint.Range)
			out = append(out, p.Fingerprint.Fingerprint[:]...)
		case p.Item != nil:
			out = append(out, 1)
			out = encodeRange(out, p.Item.Range)
			out = binary.BigEndian.AppendUint32(out, uint32(len(p.Item.Values)))
			for _, v := range p.Item.Values {
				out = append(out, v.Entry.EncodeSigned()...)
				out = append(out, byte(v.Status))
			}
			if p.Item.HaveLocal {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
	}
	return out
}

func decodeRanger(b []byte) (*ranger.Message, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("transport: ranger message truncated")
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	m := &ranger.Message{}
	for i := uint32(0); i < count; i++ {
		if len(b) < 1 {
			return nil, fmt.Errorf("transport: ranger part %d truncated", i)
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case 0:
			rng, rest, err := decodeRange(b)
			if err != nil {
				return nil, err
			}
			if len(rest) < entry.HashSize {
				return nil, fmt.Errorf("transport: fingerprint part truncated")
			}
			var fp ranger.Fingerprint
			copy(fp[:], rest[:entry.HashSize])
			b = rest[entry.HashSize:]
			m.Parts = append(m.Parts, ranger.MessagePart{Fingerprint: &ranger.RangeFingerprint{
				Range:       rng,
				Fingerprint: fp,
			}})
		case 1:
			rng, rest, err := decodeRange(b)
			if err != nil {
				return nil, err
			}
			if len(rest) < 4 {
				return nil, fmt.Errorf("transport: item part truncated")
			}
			valCount := binary.BigEndian.Uint32(rest[:4])
			rest = rest[4:]
			item := &ranger.RangeItem{Range: rng}
			for j := uint32(0); j < valCount; j++ {
				se, r2, err := entry.DecodeSignedEntry(rest)
				if err != nil {
					return nil, err
				}
				if len(r2) < 1 {
					return nil, fmt.Errorf("transport: item value %d truncated", j)
				}
				item.Values = append(item.Values, ranger.EntryWithStatus{
					Entry:  se,
					Status: entry.ContentStatus(r2[0]),
				})
				rest = r2[1:]
			}
			if len(rest) < 1 {
				return nil, fmt.Errorf("transport: item part flag truncated")
			}
			item.HaveLocal = rest[0] == 1
			b = rest[1:]
			m.Parts = append(m.Parts, ranger.MessagePart{Item: item})
		default:
			return nil, fmt.Errorf("transport: unknown ranger part tag %d", tag)
		}
	}
	return m, nil
}

func encodeRange(out []byte, rng ranger.Range) []byte {
	out = rng.X.Encode(out)
	return rng.Y.Encode(out)
}

func decodeRange(b []byte) (ranger.Range, []byte, error) {
	x, rest, err := entry.DecodeRecordIdentifier(b)
	if err != nil {
		return ranger.Range{}, nil, err
	}
	y, rest, err := entry.DecodeRecordIdentifier(rest)
	if err != nil {
		return ranger.Range{}, nil, err
	}
	return ranger.NewRange(x, y), rest, nil
}
