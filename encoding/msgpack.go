// Package encoding provides centralized serialization for stored records.
// All msgpack operations on chain records, lock entries and event log
// entries go through this package so that decoding behaves the same
// regardless of which store backend holds the bytes.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
// Struct fields are keyed by their json tag so that stored records and
// admin API responses share a single set of field names.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings stay Go strings (not []byte),
// which keeps publication options comparable after a round trip.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
