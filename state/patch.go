package state

import (
	"encoding/json"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/efficientgo/core/errors"
	diffpatch "gomodules.xyz/jsonpatch/v2"
)

// PatchOp is one RFC 6902 operation as emitted on the wire in
// state.patch frames. From is only ever populated for move/copy ops;
// this diff engine never emits those (add/remove/replace only), but the
// field exists so SubscribeSlice's path-prefix filter can consider it
// defensively.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	From  string       `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Patch is an ordered sequence of PatchOp, marshaled as a JSON array.
type Patch []PatchOp

// diff computes the RFC 6902 patch that turns `from` into `to`.
func diff(from, to *AppState) (Patch, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, errors.Wrap(err, "marshal previous state")
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return nil, errors.Wrap(err, "marshal next state")
	}
	ops, err := diffpatch.CreatePatch(fromJSON, toJSON)
	if err != nil {
		return nil, errors.Wrap(err, "create json patch")
	}
	out := make(Patch, 0, len(ops))
	for _, op := range ops {
		out = append(out, PatchOp{Op: op.Operation, Path: op.Path, Value: op.Value})
	}
	return out, nil
}

// Apply applies p to doc (a marshaled AppState), returning the
// resulting bytes.
func (p Patch) Apply(doc []byte) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal patch")
	}
	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode patch")
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, errors.Wrap(err, "apply patch")
	}
	return out, nil
}

// touchesPrefix reports whether op's Path (or From, for move/copy)
// touches the slice rooted at "/"+key.
func (op PatchOp) touchesPrefix(key string) bool {
	prefix := "/" + key
	return op.Path == prefix || strings.HasPrefix(op.Path, prefix+"/") ||
		(op.From != "" && (op.From == prefix || strings.HasPrefix(op.From, prefix+"/")))
}

// FilterPrefix returns the subsequence of p whose ops touch the named
// top-level slice.
func (p Patch) FilterPrefix(key string) Patch {
	var out Patch
	for _, op := range p {
		if op.touchesPrefix(key) {
			out = append(out, op)
		}
	}
	return out
}
