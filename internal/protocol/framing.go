package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout: magic(2) | body length(4, big-endian) | CRC-32 IEEE of body(4) | body.
const (
	headerSize = 10

	// MaxMessageSize bounds a single frame body (1 MiB).
	MaxMessageSize = 1 << 20
)

var magic = [2]byte{'N', 'P'}

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("protocol error")
	// ErrMessageTooLarge is returned by Encode for oversize bodies.
	ErrMessageTooLarge = errors.New("message too large")
)

// ProtocolError reports a malformed frame. Discarded bytes were dropped from the stream;
// decoding can continue with the remaining buffer.
type ProtocolError struct {
	Reason    string
	Discarded int
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s (discarded %d bytes): %v", e.Reason, e.Discarded, e.Err)
	}
	return fmt.Sprintf("protocol error: %s (discarded %d bytes)", e.Reason, e.Discarded)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Encode serializes m into one frame.
func Encode(m Message) ([]byte, error) {
	body, err := marshalBody(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	frame := make([]byte, headerSize+len(body))
	frame[0], frame[1] = magic[0], magic[1]
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[6:10], crc32.ChecksumIEEE(body))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode extracts the first message from buf and returns the unconsumed bytes.
// ErrIncomplete is returned with buf unchanged when more input is needed. A *ProtocolError
// is returned with the bytes that remain after skipping the garbage.
func Decode(buf []byte) (Message, []byte, error) {
	if len(buf) == 0 {
		return nil, buf, ErrIncomplete
	}
	if idx := magicIndex(buf); idx != 0 {
		if idx < 0 {
			// keep a trailing first magic byte, the rest of the marker may still arrive
			keep := 0
			if buf[len(buf)-1] == magic[0] {
				keep = 1
			}
			dropped := len(buf) - keep
			if dropped == 0 {
				return nil, buf, ErrIncomplete
			}
			return nil, buf[dropped:], &ProtocolError{Reason: "missing frame marker", Discarded: dropped}
		}
		return nil, buf[idx:], &ProtocolError{Reason: "garbage before frame marker", Discarded: idx}
	}
	if len(buf) < headerSize {
		return nil, buf, ErrIncomplete
	}

	length := binary.BigEndian.Uint32(buf[2:6])
	if length > MaxMessageSize {
		rest := resync(buf)
		return nil, rest, &ProtocolError{Reason: "frame length out of range", Discarded: len(buf) - len(rest)}
	}
	total := headerSize + int(length)
	if len(buf) < total {
		return nil, buf, ErrIncomplete
	}

	body := buf[headerSize:total]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(buf[6:10]) {
		rest := resync(buf)
		return nil, rest, &ProtocolError{Reason: "checksum mismatch", Discarded: len(buf) - len(rest)}
	}

	m, err := unmarshalBody(body)
	if err != nil {
		return nil, buf[total:], &ProtocolError{Reason: "undecodable body", Discarded: total, Err: err}
	}
	return m, buf[total:], nil
}

// resync skips the marker at the head of buf and returns buf from the next marker
// candidate on.
func resync(buf []byte) []byte {
	rest := buf[len(magic):]
	if idx := magicIndex(rest); idx >= 0 {
		return rest[idx:]
	}
	if n := len(rest); n > 0 && rest[n-1] == magic[0] {
		return rest[n-1:]
	}
	return rest[len(rest):]
}

func magicIndex(buf []byte) int {
	return bytes.Index(buf, magic[:])
}

// Decoder reads frames from a byte stream, keeping partial frames across reads.
type Decoder struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, tmp: make([]byte, 4096)}
}

// Buffered returns the number of bytes read but not yet decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// ReadMessage returns the next message. Read errors from the underlying reader, including
// deadline timeouts, are returned as is and buffered bytes are kept for the next call.
// A *ProtocolError means one garbled frame was skipped; the caller may keep reading.
func (d *Decoder) ReadMessage() (Message, error) {
	for {
		m, rest, err := Decode(d.buf)
		switch {
		case err == nil:
			d.consume(rest)
			return m, nil
		case errors.Is(err, ErrProtocol):
			d.consume(rest)
			return nil, err
		}

		n, rerr := d.r.Read(d.tmp)
		if n > 0 {
			d.buf = append(d.buf, d.tmp[:n]...)
		}
		if rerr != nil {
			if n > 0 {
				// decode what arrived first; the reader reports the error again
				continue
			}
			if errors.Is(rerr, io.EOF) && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}

func (d *Decoder) consume(rest []byte) {
	if len(rest) == 0 {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], rest...)
}

// Encoder writes frames to a stream.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) WriteMessage(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
