// Package cbor implements the compact self-describing binary format used for
// both wire messages and durable state. It follows the CBOR data model
// (RFC 8949): integers, byte and text strings, arrays, maps, semantic tags,
// simple values and floats, with definite or indefinite lengths.
//
// Reader and Writer are cursor based rather than reflection based. Callers
// describe the shape they expect, which keeps decoding tolerant of unknown map
// keys (see Reader.Skip) while never letting a malformed nested value move the
// parent cursor: every read either commits completely or leaves the cursor
// where it was.
//
// Integers are limited to the exact-integer range of a float64
// (±MaxSafeInteger). Values outside that range fail with ErrIntegerRange on
// both read and write.
package cbor
