package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func mustDecode(t *testing.T, b []byte) Record {
	t.Helper()
	r, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return r
}

func TestEntryRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 123456789)
	cases := []Record{
		{Gen: 0, FetchedAt: at, ExpiresAt: at, Payload: nil},
		{Gen: 42, FetchedAt: at, ExpiresAt: at.Add(5 * time.Second), Payload: []byte("hello")},
		{Gen: math.MaxUint64, FetchedAt: at, ExpiresAt: at.Add(time.Hour), Payload: []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		got := mustDecode(t, EncodeEntry(tc))
		if got.Gen != tc.Gen {
			t.Fatalf("gen mismatch: got %d want %d", got.Gen, tc.Gen)
		}
		if !got.FetchedAt.Equal(tc.FetchedAt) || !got.ExpiresAt.Equal(tc.ExpiresAt) {
			t.Fatalf("times mismatch: got %v/%v want %v/%v", got.FetchedAt, got.ExpiresAt, tc.FetchedAt, tc.ExpiresAt)
		}
		if !bytes.Equal(got.Payload, tc.Payload) {
			t.Fatalf("payload mismatch: got %x want %x", got.Payload, tc.Payload)
		}
	}
}

func TestEntryRejectsTrailingBytes(t *testing.T) {
	now := time.Now()
	enc := EncodeEntry(Record{Gen: 7, FetchedAt: now, ExpiresAt: now, Payload: []byte("x")})
	enc = append(enc, 0xDE, 0xAD)
	if _, err := DecodeEntry(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestEntryCorruptHeadersAndLengths(t *testing.T) {
	now := time.Now()
	enc := EncodeEntry(Record{Gen: 1, FetchedAt: now, ExpiresAt: now.Add(time.Second), Payload: []byte("abc")})

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeEntry(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeEntry(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = kindEntry + 1
	if _, err := DecodeEntry(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// vlen sits right before the payload
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[hdrLen-4:hdrLen], uint32(len("abc")+1))
	if _, err := DecodeEntry(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	if _, err := DecodeEntry(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}
	if _, err := DecodeEntry(enc[:hdrLen-1]); err == nil {
		t.Fatalf("expected error on truncated header")
	}
}

func TestEntryRejectsInvertedTimes(t *testing.T) {
	now := time.Now()
	enc := EncodeEntry(Record{FetchedAt: now, ExpiresAt: now.Add(-time.Second)})
	if _, err := DecodeEntry(enc); err == nil {
		t.Fatalf("expected error when expiresAt precedes fetchedAt")
	}
}

func TestEntryZeroCopyPayload(t *testing.T) {
	now := time.Now()
	enc := EncodeEntry(Record{Gen: 1, FetchedAt: now, ExpiresAt: now, Payload: []byte("Z")})
	r := mustDecode(t, enc)
	r.Payload[0] = 'Q'
	if mustDecode(t, enc).Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
