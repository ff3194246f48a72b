package transport

import (
	"encoding/binary"
	"io"
	"math/bits"

	romaerrors "roma/pkg/errors"
)

// paddedHeaderSize is the fixed 1-byte version|compression flags plus
// 4-byte big-endian length prefix every padded frame starts with.
const paddedHeaderSize = 1 + 4

// versionMask/compressionFlag split byte 0 of the padded header. Only the
// low nibble is used for version today; bit 4 carries the compression flag.
const (
	versionMask     = 0x0F
	compressionFlag = 0x10
)

// CurrentVersion is the padded-frame version this core writes.
const CurrentVersion = 1

// PaddedFramer encodes/decodes the power-of-two-ceiled padded framing used
// where tenant payloads cross the host<->worker boundary. This core never
// compresses payloads itself (out of scope); it writes the compression bit
// as zero and rejects a nonzero bit on read since no decompressor is wired.
type PaddedFramer struct {
	MinFrameSize int
	MaxFrameSize int
}

// NewPaddedFramer builds a framer with the given floor/ceiling, in bytes.
func NewPaddedFramer(minFrameSize, maxFrameSize int) *PaddedFramer {
	return &PaddedFramer{MinFrameSize: minFrameSize, MaxFrameSize: maxFrameSize}
}

// Encode writes payload as one padded frame: header, payload, zero padding
// out to the smallest power of two >= header+len(payload), floored at
// MinFrameSize.
func (f *PaddedFramer) Encode(w io.Writer, payload []byte) error {
	total := paddedHeaderSize + len(payload)
	frameSize := nextPow2(total)
	if frameSize < f.MinFrameSize {
		frameSize = f.MinFrameSize
	}
	if f.MaxFrameSize > 0 && frameSize > f.MaxFrameSize {
		return romaerrors.New(romaerrors.TransportError).WithMessage("padded frame exceeds max size").
			WithDetail("frame_size", frameSize)
	}

	frame := make([]byte, frameSize)
	frame[0] = CurrentVersion & versionMask
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[paddedHeaderSize:], payload)

	_, err := w.Write(frame)
	if err != nil {
		return romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("write padded frame")
	}
	return nil
}

// Decode reads the header, then exactly payload_length bytes, then skips
// padding up to the frame's power-of-two size.
func (f *PaddedFramer) Decode(r io.Reader) ([]byte, error) {
	var header [paddedHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("read padded header")
	}

	version := header[0] & versionMask
	compressed := header[0]&compressionFlag != 0
	if version != CurrentVersion {
		return nil, romaerrors.New(romaerrors.TransportError).WithMessage("unsupported padded frame version").
			WithDetail("version", version)
	}
	if compressed {
		return nil, romaerrors.New(romaerrors.TransportError).WithMessage("compressed padded frame: no decompressor wired")
	}

	length := binary.BigEndian.Uint32(header[1:5])
	if f.MaxFrameSize > 0 && int(length) > f.MaxFrameSize {
		return nil, romaerrors.New(romaerrors.TransportError).WithMessage("padded payload exceeds max size").
			WithDetail("length", length).
			WithDetail("frame_error", true)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("read padded payload: premature close")
	}

	total := paddedHeaderSize + int(length)
	frameSize := nextPow2(total)
	if frameSize < f.MinFrameSize {
		frameSize = f.MinFrameSize
	}
	padLen := frameSize - total
	if padLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(padLen)); err != nil {
			return nil, romaerrors.Wrap(err, romaerrors.TransportError).WithMessage("skip padded frame padding")
		}
	}

	return payload, nil
}

// nextPow2 returns the smallest power of two >= n (n >= 1).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
