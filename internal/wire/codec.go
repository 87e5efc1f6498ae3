package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds the encoded size of a single notification.
const MaxFrameSize = 4096

// ErrFrameTooLarge is returned when a frame header announces more than
// MaxFrameSize bytes.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Marshal encodes n after clamping its bounded fields.
func Marshal(n Notification) ([]byte, error) {
	n.Bound()
	b, err := msgpack.Marshal(&n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	if len(b) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(b []byte) (Notification, error) {
	var n Notification
	if err := msgpack.Unmarshal(b, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// WriteFrame writes one length-prefixed notification to w.
func WriteFrame(w io.Writer, n Notification) error {
	body, err := Marshal(n)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed notification from r. A clean EOF
// before the header is returned as io.EOF.
func ReadFrame(r io.Reader) (Notification, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Notification{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return Notification{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Notification{}, fmt.Errorf("read frame body: %w", err)
	}
	return Unmarshal(body)
}
