// Package canon provides RFC 8785 canonical JSON and domain-separated
// content hashing.
//
// Canonical JSON is the only serialization used for checksums: rule version
// checksums, export integrity checks, and content keys for stored payloads
// are all computed over it so that equal content always yields equal bytes.
//
// Constraints:
//   - Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//   - No HTML escaping
//   - Strings NFC normalized
//   - Floats and null are rejected
package canon
