// Package peer implements a single peer's wire session: the handshake,
// length-prefixed message framing, choke/interest state machine, and the
// request-pipelining loop that pulls assigned blocks from a queue and turns
// them into outstanding Request messages.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a wire message's kind. Any id this package does not
// recognize is treated like a keep-alive by the caller.
type MessageID byte

// Message ids per the peer wire protocol.
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9

	// msgKeepAlive is not a real wire id; ReadMessage returns a Message with
	// this ID for a zero-length frame or for an id this package does not
	// recognize, so callers can treat both uniformly.
	msgKeepAlive MessageID = 0xFF
)

const maxMessageLength = 32 * 1024 * 1024 // guards against a corrupt/hostile length prefix

// Message is one decoded frame from the wire.
type Message struct {
	ID      MessageID
	Payload []byte
}

// IsKeepAlive reports whether m is a keep-alive (either a literal
// zero-length frame, or a message id this package doesn't recognize).
func (m *Message) IsKeepAlive() bool {
	return m.ID == msgKeepAlive
}

// ReadMessage reads one length-prefixed frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("peer: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return &Message{ID: msgKeepAlive}, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("peer: message length %d exceeds limit", length)
	}

	idBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, fmt.Errorf("peer: read message id: %w", err)
	}
	id := MessageID(idBuf[0])

	// A message with no payload decodes to a nil Payload, as it was written.
	var payload []byte
	if length > 1 {
		payload = make([]byte, length-1)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("peer: read payload: %w", err)
		}
	}

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested,
		MsgHave, MsgBitfield, MsgRequest, MsgPiece, MsgCancel, MsgPort:
		return &Message{ID: id, Payload: payload}, nil
	default:
		return &Message{ID: msgKeepAlive}, nil
	}
}

func writeFrame(w io.Writer, id MessageID, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// WriteChoke writes a Choke message.
func WriteChoke(w io.Writer) error { return writeFrame(w, MsgChoke, nil) }

// WriteUnchoke writes an Unchoke message.
func WriteUnchoke(w io.Writer) error { return writeFrame(w, MsgUnchoke, nil) }

// WriteInterested writes an Interested message.
func WriteInterested(w io.Writer) error { return writeFrame(w, MsgInterested, nil) }

// WriteNotInterested writes a NotInterested message.
func WriteNotInterested(w io.Writer) error { return writeFrame(w, MsgNotInterested, nil) }

// WriteHave writes a Have message announcing piece index.
func WriteHave(w io.Writer, index int) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(index))
	return writeFrame(w, MsgHave, payload[:])
}

// WriteBitfield writes a Bitfield message. bits follows the wire convention
// that the MSB of byte 0 represents piece 0.
func WriteBitfield(w io.Writer, bits []byte) error {
	return writeFrame(w, MsgBitfield, bits)
}

// WriteRequest writes a Request message for (index, begin, length).
func WriteRequest(w io.Writer, index, begin, length int) error {
	return writeFrame(w, MsgRequest, encodeRequestLike(index, begin, length))
}

// WriteCancel writes a Cancel message, which shares Request's layout.
func WriteCancel(w io.Writer, index, begin, length int) error {
	return writeFrame(w, MsgCancel, encodeRequestLike(index, begin, length))
}

func encodeRequestLike(index, begin, length int) []byte {
	var payload [12]byte
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload[:]
}

// WritePiece writes a Piece message carrying block for (index, begin).
func WritePiece(w io.Writer, index, begin int, block []byte) error {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return writeFrame(w, MsgPiece, payload)
}

// WritePort writes a Port message (DHT listen port; accepted but unused).
func WritePort(w io.Writer, port uint16) error {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], port)
	return writeFrame(w, MsgPort, payload[:])
}

// ParseHave extracts the piece index from a Have message's payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("peer: malformed have payload: %d bytes", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParseRequestLike extracts (index, begin, length) from a Request or Cancel
// message's payload.
func ParseRequestLike(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("peer: malformed request payload: %d bytes", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts (index, begin, block) from a Piece message's payload.
func ParsePiece(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peer: malformed piece payload: %d bytes", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return index, begin, payload[8:], nil
}

// ParsePort extracts the port from a Port message's payload.
func ParsePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("peer: malformed port payload: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}
