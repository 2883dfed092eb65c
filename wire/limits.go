package wire

// DefaultMaxMessageSize is the largest encoded QueryMessage (4 MiB), matching
// gRPC's default receive limit. Both ends configure it explicitly.
const DefaultMaxMessageSize int = 4 * 1024 * 1024

// MinMessageSize is the smallest limit the chunker accepts.
const MinMessageSize int = 256

// envelopeOverhead bounds the CBOR cost of a QueryMessage excluding the
// variable-length strings: map header, ten integer keys, the id, state and
// split values, and the array headers.
const envelopeOverhead int = 64

// stringHeaderMax is the largest CBOR text string header (major type 3 with
// an 8-byte length).
const stringHeaderMax int = 9

// EnvelopeSize returns an upper bound on the encoded size of a message with
// the given names and no data elements.
func EnvelopeSize(publisher, plugin, query string) int {
	return envelopeOverhead +
		len(publisher) + stringHeaderMax +
		len(plugin) + stringHeaderMax +
		len(query) + stringHeaderMax
}

// ElementSize returns an upper bound on the encoded size of one string
// element of Key, Output or Concern.
func ElementSize(s string) int {
	return len(s) + stringHeaderMax
}
