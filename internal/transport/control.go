// Package transport implements the two framings C1 puts on a host<->worker
// stream socket: length-delimited control records and power-of-two-ceiled
// padded payload frames.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	romaerrors "roma/pkg/errors"
)

// lengthPrefixSize is the size of the big-endian record-length header that
// precedes every control-framing record.
const lengthPrefixSize = 4

// DefaultMaxRecordSize bounds a single control record to guard against a
// malformed or hostile length prefix requesting an unbounded allocation.
const DefaultMaxRecordSize = 64 * 1024 * 1024

// ControlConn reads and writes length-delimited JSON records over a stream
// connection. It is not safe for concurrent use by multiple readers or
// multiple writers; the worker pool serializes access per Worker via the
// Busy handoff in AcquireIdle/Release.
type ControlConn struct {
	r           *bufio.Reader
	w           io.Writer
	maxRecordSz int
}

// NewControlConn wraps rw for length-delimited record I/O.
func NewControlConn(rw io.ReadWriter) *ControlConn {
	return &ControlConn{r: bufio.NewReader(rw), w: rw, maxRecordSz: DefaultMaxRecordSize}
}

// WriteRecord serializes v as JSON and writes it as one length-delimited
// record.
func (c *ControlConn) WriteRecord(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return romaerrors.Wrap(err, romaerrors.Internal).WithMessage("marshal control record")
	}
	if len(body) > c.maxRecordSz {
		return romaerrors.New(romaerrors.TransportError).WithMessage("control record exceeds max size")
	}
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := c.w.Write(header[:]); err != nil {
		return romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("write record header")
	}
	if _, err := c.w.Write(body); err != nil {
		return romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("write record body")
	}
	return nil
}

// ReadRecord blocks until a full record is available, or returns
// TransportError if the peer closes mid-record.
func (c *ControlConn) ReadRecord(v interface{}) error {
	body, err := c.ReadRecordRaw()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("unmarshal control record")
	}
	return nil
}

// ReadRecordRaw blocks until a full record is available and returns its raw
// JSON body undecoded, so a caller expecting more than one possible
// message type on this connection can sniff which one arrived before
// picking a destination struct for ReadRecord's unmarshal.
func (c *ControlConn) ReadRecordRaw() ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, romaerrors.New(romaerrors.TransportError).WithMessage("peer closed before record")
		}
		return nil, romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("read record header")
	}
	length := binary.BigEndian.Uint32(header[:])
	if int(length) > c.maxRecordSz {
		return nil, romaerrors.New(romaerrors.TransportError).WithMessage("record exceeds max size").
			WithDetail("length", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("read record body: premature close")
	}
	return body, nil
}

// ReadHello reads the unframed 36-byte code token a worker sends as its
// first message.
func ReadHello(r io.Reader) (string, error) {
	buf := make([]byte, 36)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("read hello token")
	}
	return string(buf), nil
}

// WriteHello writes the unframed 36-byte code token, the worker side's
// first message to the host.
func WriteHello(w io.Writer, token string) error {
	if len(token) != 36 {
		return fmt.Errorf("hello token must be 36 bytes, got %d", len(token))
	}
	_, err := w.Write([]byte(token))
	return err
}
