// Package relation encodes membership lists as a single comma-joined
// column value. The same codec backs both sides of the subscription
// relation: the plates a chat follows and the chats following a plate.
package relation

import (
	"log/slog"
	"strconv"
	"strings"
)

// Delimiter separates members inside an encoded column value.
const Delimiter = ","

// Codec converts between a slice of members and the stored string form.
// Decode tolerates the historical trailing-delimiter form ("1,2,") as
// well as the canonical bare form ("1,2"); Encode always produces the
// bare form.
type Codec[T comparable] struct {
	parse  func(string) (T, error)
	format func(T) string
}

// ChatIDs encodes/decodes subscriber chat IDs.
var ChatIDs = Codec[int64]{
	parse: func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	},
	format: func(id int64) string {
		return strconv.FormatInt(id, 10)
	},
}

// Plates encodes/decodes subscribed plate lists. A plate token is valid
// as long as it is non-empty and free of the delimiter, which plate
// normalization guarantees at the boundary.
var Plates = Codec[string]{
	parse:  func(s string) (string, error) { return s, nil },
	format: func(s string) string { return s },
}

// Decode splits a stored column value into its members, preserving
// order. Empty input yields nil. Tokens are trimmed, empty tokens are
// dropped and unparseable tokens are skipped rather than failing the
// whole value.
func (c Codec[T]) Decode(raw string) []T {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []T
	for _, token := range strings.Split(raw, Delimiter) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		v, err := c.parse(token)
		if err != nil {
			slog.Debug("relation: discarding unparseable token", "token", token, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// Encode joins members into the canonical stored form.
func (c Codec[T]) Encode(members []T) string {
	if len(members) == 0 {
		return ""
	}
	parts := make([]string, 0, len(members))
	for _, m := range members {
		parts = append(parts, c.format(m))
	}
	return strings.Join(parts, Delimiter)
}

// Contains reports membership on decoded values. Substring matching on
// the raw column would false-positive on plates embedded in longer
// plates, so membership always goes through Decode.
func (c Codec[T]) Contains(raw string, member T) bool {
	for _, m := range c.Decode(raw) {
		if m == member {
			return true
		}
	}
	return false
}

// Append returns the encoded value with member added, and whether it
// was added (false when already present).
func (c Codec[T]) Append(raw string, member T) (string, bool) {
	members := c.Decode(raw)
	for _, m := range members {
		if m == member {
			return c.Encode(members), false
		}
	}
	return c.Encode(append(members, member)), true
}

// Remove returns the encoded value without member, and how many
// occurrences were removed.
func (c Codec[T]) Remove(raw string, member T) (string, int) {
	members := c.Decode(raw)
	kept := members[:0]
	removed := 0
	for _, m := range members {
		if m == member {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	return c.Encode(kept), removed
}

// Count returns the number of members in the encoded value.
func (c Codec[T]) Count(raw string) int {
	return len(c.Decode(raw))
}
