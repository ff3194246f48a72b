package transport

import (
	"bytes"
	"testing"
)

func TestPaddedFramerRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"small", []byte("hello")},
		{"exact-boundary", bytes.Repeat([]byte{'a'}, 27)}, // 5+27=32, already pow2
		{"large", bytes.Repeat([]byte{'z'}, 10000)},
	}

	framer := NewPaddedFramer(0, 0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := framer.Encode(&buf, tc.payload); err != nil {
				t.Fatalf("Encode: %v", err)
			}

			frameLen := buf.Len()
			if frameLen&(frameLen-1) != 0 {
				t.Fatalf("frame length %d is not a power of two", frameLen)
			}

			got, err := framer.Decode(&buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, tc.payload) {
				t.Fatalf("got %q, want %q", got, tc.payload)
			}
			if buf.Len() != 0 {
				t.Fatalf("%d unread trailing bytes", buf.Len())
			}
		})
	}
}

func TestPaddedFramerMinFrameSizeFloor(t *testing.T) {
	framer := NewPaddedFramer(64, 0)
	var buf bytes.Buffer
	if err := framer.Encode(&buf, []byte("x")); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != 64 {
		t.Fatalf("got frame size %d, want floor 64", buf.Len())
	}
}

func TestPaddedFramerRejectsOversize(t *testing.T) {
	framer := NewPaddedFramer(0, 16)
	var buf bytes.Buffer
	err := framer.Encode(&buf, bytes.Repeat([]byte{'a'}, 100))
	if err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestPaddedFramerRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0xF) // version 15, never written by this core
	buf.Write([]byte{0, 0, 0, 0})
	framer := NewPaddedFramer(0, 0)
	if _, err := framer.Decode(&buf); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestPaddedFramerRejectsCompressedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(CurrentVersion | compressionFlag)
	buf.Write([]byte{0, 0, 0, 0})
	framer := NewPaddedFramer(0, 0)
	if _, err := framer.Decode(&buf); err == nil {
		t.Fatal("expected error for compressed frame with no decompressor wired")
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 5: 8, 32: 32, 33: 64, 1000: 1024}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
