package replica

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
)

// KeyMatcher matches entry keys either exactly or by prefix.
type KeyMatcher struct {
	Prefix bool
	Bytes  []byte
}

// MatchExact builds a matcher for one exact key.
func MatchExact(key []byte) KeyMatcher {
	return KeyMatcher{Bytes: append([]byte(nil), key...)}
}

// MatchPrefix builds a matcher for a key prefix.
func MatchPrefix(prefix []byte) KeyMatcher {
	return KeyMatcher{Prefix: true, Bytes: append([]byte(nil), prefix...)}
}

// Matches tests a key against the matcher.
func (m KeyMatcher) Matches(key []byte) bool {
	if m.Prefix {
		return bytes.HasPrefix(key, m.Bytes)
	}
	return bytes.Equal(key, m.Bytes)
}

// DownloadPolicy decides per incoming entry whether its content
// should be fetched from the blob store. The zero value downloads
// everything.
type DownloadPolicy struct {
	// NothingExcept inverts the policy: when false, download
	// everything except matching keys; when true, download nothing
	// except matching keys.
	NothingExcept bool
	Filters       []KeyMatcher
}

// DefaultDownloadPolicy downloads everything.
func DefaultDownloadPolicy() DownloadPolicy {
	return DownloadPolicy{}
}

// Matches reports whether the policy wants the content of e.
// Tombstones never trigger a download.
func (p DownloadPolicy) Matches(e entry.Entry) bool {
	if e.IsEmpty() {
		return false
	}
	matched := false
	for _, f := range p.Filters {
		if f.Matches(e.ID.Key) {
			matched = true
			break
		}
	}
	if p.NothingExcept {
		return matched
	}
	return !matched
}

// Encode serializes the policy for persistence.
func (p DownloadPolicy) Encode() []byte {
	var out []byte
	if p.NothingExcept {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Filters)))
	for _, f := range p.Filters {
		if f.Prefix {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Bytes)))
		out = append(out, f.Bytes...)
	}
	return out
}

// DecodeDownloadPolicy parses a persisted policy.
func DecodeDownloadPolicy(b []byte) (DownloadPolicy, error) {
	var p DownloadPolicy
	if len(b) < 5 {
		return p, fmt.Errorf("download policy truncated: %d bytes", len(b))
	}
	p.NothingExcept = b[0] == 1
	count := binary.BigEndian.Uint32(b[1:5])
	b = b[5:]
	for i := uint32(0); i < count; i++ {
		if len(b) < 5 {
			return p, fmt.Errorf("download policy filter %d truncated", i)
		}
		var f KeyMatcher
		f.Prefix = b[0] == 1
		n := binary.BigEndian.Uint32(b[1:5])
		b = b[5:]
		if uint64(len(b)) < uint64(n) {
			return p, fmt.Errorf("download policy filter %d bytes truncated", i)
		}
		f.Bytes = append([]byte(nil), b[:n]...)
		b = b[n:]
		p.Filters = append(p.Filters, f)
	}
	return p, nil
}
