package writebehind

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Patch is a partial set of column values for one record.
type Patch map[string]any

// Merge copies every field of other into p, overwriting existing values.
func (p Patch) Merge(other Patch) {
	for k, v := range other {
		p[k] = v
	}
}

func (p Patch) clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Patch) equal(other Patch) bool {
	return reflect.DeepEqual(p, other)
}

func clonePending(pending map[string]Patch) map[string]Patch {
	out := make(map[string]Patch, len(pending))
	for id, p := range pending {
		out[id] = p.clone()
	}
	return out
}

// EncodeMirror serializes a pending map for durable storage.
func EncodeMirror(pending map[string]Patch) (string, error) {
	raw, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("encode pending patches: %w", err)
	}
	return string(raw), nil
}

// DecodeMirror parses a stored pending map. Entries whose patch is null
// are skipped.
func DecodeMirror(raw string) (map[string]Patch, error) {
	var decoded map[string]Patch
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode pending patches: %w", err)
	}
	out := make(map[string]Patch, len(decoded))
	for id, p := range decoded {
		if p != nil {
			out[id] = p
		}
	}
	return out, nil
}

// IntValue converts a patch value that may have round-tripped through
// JSON back to an int.
func IntValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
