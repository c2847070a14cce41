package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// ErrNoValue is returned when decoding an empty snapshot.
var ErrNoValue = errors.New("no value at path")

// Snapshot is the state of a subtree at one instant.
type Snapshot struct {
	Path string
	// Leaves are keyed relative to Path; "" is the leaf stored at Path itself.
	Leaves map[string]json.RawMessage
}

// Exists reports whether anything is stored at or below the path.
func (s Snapshot) Exists() bool {
	return len(s.Leaves) > 0
}

// JSON rebuilds the subtree as one JSON document.
func (s Snapshot) JSON() (json.RawMessage, error) {
	if !s.Exists() {
		return nil, ErrNoValue
	}
	if leaf, ok := s.Leaves[""]; ok && len(s.Leaves) == 1 {
		return leaf, nil
	}
	tree := make(map[string]any)
	for _, rel := range sortedKeys(s.Leaves) {
		if rel == "" {
			continue
		}
		insertLeaf(tree, Split(rel), s.Leaves[rel])
	}
	return json.Marshal(tree)
}

// Decode unmarshals the subtree into v.
func (s Snapshot) Decode(v any) error {
	raw, err := s.JSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Children groups the leaves by their first relative segment.
func (s Snapshot) Children() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for rel, v := range s.Leaves {
		if rel == "" {
			continue
		}
		head, rest, _ := strings.Cut(rel, "/")
		child, ok := out[head]
		if !ok {
			child = Snapshot{Path: Join(s.Path, head), Leaves: make(map[string]json.RawMessage)}
			out[head] = child
		}
		child.Leaves[rest] = v
	}
	return out
}

// ChildKeys returns the sorted first-level child names.
func (s Snapshot) ChildKeys() []string {
	children := s.Children()
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten marshals v and splits its top-level fields into leaves, so partial
// updates of one field never rewrite its siblings.
func Flatten(v any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// MustJSON marshals values known to be encodable.
func MustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func insertLeaf(tree map[string]any, segments []string, value json.RawMessage) {
	node := tree
	for i, seg := range segments {
		if i == len(segments)-1 {
			node[seg] = value
			return
		}
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
