package mpx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/dittosock/pkg/dynbuf"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// Frame layout: type (1 byte), channel id (4 bytes BE), payload length
// (4 bytes BE), payload.
const (
	frameData    byte = 0
	frameControl byte = 1

	headerSize = 9
)

type op uint32

const (
	opOpen op = iota + 1
	opClose
	opYield
	opResume
)

func (o op) String() string {
	switch o {
	case opOpen:
		return "OPEN"
	case opClose:
		return "CLOSE"
	case opYield:
		return "YIELD"
	case opResume:
		return "RESUME"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// controlPacket is the XDR payload of a control frame. Name is only set for
// OPEN.
type controlPacket struct {
	Op   uint32
	Name string
}

var (
	// ErrHandshake is passed to OnHandshakeFailed when the peer did not
	// send the expected magic.
	ErrHandshake = errors.New("mpx: handshake failed")

	// ErrSessionClosed is returned when opening channels on a closed session.
	ErrSessionClosed = errors.New("mpx: session closed")

	// ErrSessionNotStarted is returned when opening channels before the
	// session is bound to a handler.
	ErrSessionNotStarted = errors.New("mpx: session not started")

	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("mpx: channel closed")
)

// ProtocolError reports a peer breaking the framing rules.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "mpx: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

type frame struct {
	typ     byte
	channel uint32
	payload []byte
}

func writeFrameHeader(tx *dynbuf.Buffer, typ byte, channel uint32, n int) {
	var hdr [headerSize]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:5], channel)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(n))
	tx.Add(hdr[:])
}

func writeControl(tx *dynbuf.Buffer, channel uint32, pkt controlPacket) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &pkt); err != nil {
		panic(protocolErrorf("encode %v: %v", op(pkt.Op), err))
	}
	writeFrameHeader(tx, frameControl, channel, buf.Len())
	tx.Add(buf.Bytes())
}

func decodeControl(payload []byte) (controlPacket, error) {
	var pkt controlPacket
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &pkt); err != nil {
		return pkt, fmt.Errorf("decode control packet: %w", err)
	}
	return pkt, nil
}

// readFrame removes the next complete frame from rx. ok is false while rx
// holds only part of one.
func readFrame(rx *dynbuf.Buffer, maxSize int) (f frame, ok bool, err error) {
	if rx.Len() < headerSize {
		return frame{}, false, nil
	}

	var hdr [headerSize]byte
	rx.CopyTo(hdr[:], 0)
	if hdr[0] != frameData && hdr[0] != frameControl {
		return frame{}, false, protocolErrorf("unknown frame type %d", hdr[0])
	}
	n := int(binary.BigEndian.Uint32(hdr[5:9]))
	if n > maxSize {
		return frame{}, false, protocolErrorf("frame of %d bytes exceeds limit of %d", n, maxSize)
	}
	if rx.Len() < headerSize+n {
		return frame{}, false, nil
	}

	f = frame{
		typ:     hdr[0],
		channel: binary.BigEndian.Uint32(hdr[1:5]),
		payload: rx.Bytes(headerSize, n),
	}
	rx.Remove(headerSize + n)
	return f, true, nil
}
