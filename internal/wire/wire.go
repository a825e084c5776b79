package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("syncache: corrupt entry")
	magic4     = [...]byte{'S', 'Y', 'N', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Record is the decoded form of a stored cache entry.
// Payload aliases the input buffer.
type Record struct {
	Gen       uint64
	FetchedAt time.Time
	ExpiresAt time.Time
	Payload   []byte
}

// Entry: magic(4) | ver(1) | kind(1) | gen(u64 be) | fetchedAt(i64 be, unix nano) |
// expiresAt(i64 be, unix nano) | vlen(u32 be) | payload(vlen)
func EncodeEntry(r Record) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(r.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], r.Gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(r.FetchedAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(r.ExpiresAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Payload)))
	buf.Write(u4[:])

	buf.Write(r.Payload)
	return buf.Bytes()
}

// DecodeEntry parses a record produced by EncodeEntry. Framing is strict:
// trailing bytes are rejected.
func DecodeEntry(b []byte) (Record, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Record{}, ErrCorrupt
	}

	off := 6
	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	fetched := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	expires := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Record{}, ErrCorrupt
	}
	if expires < fetched {
		return Record{}, ErrCorrupt
	}

	return Record{
		Gen:       gen,
		FetchedAt: time.Unix(0, fetched),
		ExpiresAt: time.Unix(0, expires),
		Payload:   b[off : off+vlen],
	}, nil
}
