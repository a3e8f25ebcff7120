// Package canonical produces RFC 8785 (JCS) canonical JSON. Two independent
// parties must derive bit-identical bytes for the same value, otherwise
// payload and event hashes are not reproducible by verifiers; a sorted-keys
// shortcut is not a substitute because number formatting differs.
package canonical

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"
)

// Alg is the on-the-wire canonicalization label.
const Alg = "RFC8785"

// Marshal encodes v and returns its canonical form.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode json")
	}
	return Transform(raw)
}

// Transform canonicalizes already-encoded JSON text.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize json")
	}
	return out, nil
}
