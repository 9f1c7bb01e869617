package scheduler

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IdempotencyKey derives the dedupe key for a trigger: the hex sha256 of
// owner id, task kind and the canonical JSON of the trigger data. Canonical
// means object keys sorted and insignificant whitespace removed.
func IdempotencyKey(ownerID, kind string, trigger any) (string, error) {
	canon, err := canonicalJSON(trigger)
	if err != nil {
		return "", fmt.Errorf("canonicalize trigger: %w", err)
	}
	// Each field is length-prefixed so no separator byte inside an owner or
	// kind can shift content between fields.
	h := sha256.New()
	for _, field := range [][]byte{[]byte(ownerID), []byte(kind), canon} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalJSON(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}
