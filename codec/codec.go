// Package codec converts typed values to the bytes kept by the store and
// sent over the wire by transport adapters.
package codec

// Codec encodes/decodes values V to []byte.
// ContentType names the media type, used as the HTTP Content-Type/Accept
// value by transport/httpfetch.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
	ContentType() string
}
