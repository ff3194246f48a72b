package transport

import (
	"bytes"
	"io"
	"testing"

	romaerrors "roma/pkg/errors"
)

type loadRecord struct {
	CodeToken string `json:"code_token"`
	NWorkers  int    `json:"n_workers"`
}

func TestControlConnRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewControlConn(&buf)

	want := loadRecord{CodeToken: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", NWorkers: 3}
	if err := conn.WriteRecord(want); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	var got loadRecord
	if err := conn.ReadRecord(&got); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestControlConnMultipleRecords(t *testing.T) {
	var buf bytes.Buffer
	conn := NewControlConn(&buf)

	records := []loadRecord{
		{CodeToken: "token-a", NWorkers: 1},
		{CodeToken: "token-b", NWorkers: 2},
	}
	for _, r := range records {
		if err := conn.WriteRecord(r); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	for _, want := range records {
		var got loadRecord
		if err := conn.ReadRecord(&got); err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

// shortReader returns a header claiming more bytes than are ever
// written, simulating a peer that closes mid-frame.
type shortReader struct {
	data []byte
}

func (s *shortReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *shortReader) Write(p []byte) (int, error) {
	return len(p), nil
}

func TestControlConnPrematureClose(t *testing.T) {
	// Header claims an 8-byte body but the stream only carries 2 bytes.
	header := []byte{0, 0, 0, 8}
	r := &shortReader{data: append(header, []byte{1, 2}...)}
	conn := NewControlConn(r)

	var got loadRecord
	err := conn.ReadRecord(&got)
	if err == nil {
		t.Fatal("expected error on premature close")
	}
	if romaerrors.KindOf(err) != romaerrors.TransportError {
		t.Fatalf("got kind %v, want TransportError", romaerrors.KindOf(err))
	}
}

func TestControlConnEOFBeforeHeader(t *testing.T) {
	conn := NewControlConn(&bytes.Buffer{})
	var got loadRecord
	err := conn.ReadRecord(&got)
	if err == nil {
		t.Fatal("expected error on empty stream")
	}
	if romaerrors.KindOf(err) != romaerrors.TransportError {
		t.Fatalf("got kind %v, want TransportError", romaerrors.KindOf(err))
	}
}

func TestHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	token := "01234567-89ab-cdef-0123-456789abcdef"
	if err := WriteHello(&buf, token); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}
	got, err := ReadHello(&buf)
	if err != nil {
		t.Fatalf("ReadHello: %v", err)
	}
	if got != token {
		t.Fatalf("got %q, want %q", got, token)
	}
}

func TestWriteHelloRejectsWrongLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHello(&buf, "too-short"); err == nil {
		t.Fatal("expected error for non-36-byte token")
	}
}
