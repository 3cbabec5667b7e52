package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType tags a wire-protocol frame's payload kind, per spec.md §4.8.
type MessageType uint8

const (
	MsgHello           MessageType = 0x00
	MsgPing            MessageType = 0x01
	MsgPong            MessageType = 0x02
	MsgDisconnect      MessageType = 0x03
	MsgGetBlocks       MessageType = 0x10
	MsgBlocks          MessageType = 0x11
	MsgGetHeaders      MessageType = 0x12
	MsgHeaders         MessageType = 0x13
	MsgNewTransaction  MessageType = 0x20
	MsgNewBlock        MessageType = 0x21
	MsgNewBlockHashes  MessageType = 0x22
	MsgGetPeers        MessageType = 0x40
	MsgPeers           MessageType = 0x41
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgGetBlocks:
		return "GET_BLOCKS"
	case MsgBlocks:
		return "BLOCKS"
	case MsgGetHeaders:
		return "GET_HEADERS"
	case MsgHeaders:
		return "HEADERS"
	case MsgNewTransaction:
		return "NEW_TRANSACTION"
	case MsgNewBlock:
		return "NEW_BLOCK"
	case MsgNewBlockHashes:
		return "NEW_BLOCK_HASHES"
	case MsgGetPeers:
		return "GET_PEERS"
	case MsgPeers:
		return "PEERS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// DefaultMaxMessageSize is the default frame size cutoff of spec.md §4.8: 10
// MiB, counting the type byte plus payload.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// Frame is one length-prefixed wire message: `length:u32BE || type:u8 ||
// payload`, where length counts type+payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame writes f to w in the spec.md §4.8 wire format.
func WriteFrame(w io.Writer, f Frame) error {
	length := uint32(1 + len(f.Payload))
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(f.Type)
	if _, err := w.Write(header); err != nil {
		return WrapError(KindWriteFailed, "write frame header", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return WrapError(KindWriteFailed, "write frame payload", err)
	}
	return nil
}

// ReadFrame reads one frame from r, rejecting frames whose declared length
// exceeds maxSize before reading the payload (a zero maxSize selects
// DefaultMaxMessageSize).
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, WrapError(KindInvalidFrame, "read frame header", err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		return Frame{}, NewError(KindInvalidFrame, "frame length is zero")
	}
	if length > maxSize {
		return Frame{}, NewError(KindOversizedMessage, fmt.Sprintf("frame length %d exceeds max %d", length, maxSize))
	}
	msgType := MessageType(header[4])
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, WrapError(KindInvalidFrame, "read frame payload", err)
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// HelloPayload is the handshake payload of spec.md §4.8.
type HelloPayload struct {
	ProtocolVersion uint32   `json:"protocol_version"`
	NetworkID       string   `json:"network_id"`
	GenesisHash     Hash     `json:"genesis_hash"`
	BestHeight      uint64   `json:"best_height"`
	BestHash        Hash     `json:"best_hash"`
	ListenPort      uint16   `json:"listen_port"`
	NodeID          [32]byte `json:"node_id"`
	Capabilities    []string `json:"capabilities"`
}

// GetBlocksPayload requests a contiguous run of blocks by hash.
type GetBlocksPayload struct {
	Hashes []Hash `json:"hashes"`
}

// BlocksPayload carries full blocks in response to GET_BLOCKS.
type BlocksPayload struct {
	Blocks []*Block `json:"blocks"`
}

// GetHeadersPayload requests up to Count headers starting at FromHeight
// (inclusive).
type GetHeadersPayload struct {
	FromHeight uint64 `json:"from_height"`
	Count      uint32 `json:"count"`
}

// HeadersPayload carries headers in response to GET_HEADERS.
type HeadersPayload struct {
	Headers []*Header `json:"headers"`
}

// NewTransactionPayload announces a single mempool-bound transaction.
type NewTransactionPayload struct {
	Tx *Transaction `json:"tx"`
}

// NewBlockPayload announces a freshly produced block.
type NewBlockPayload struct {
	Block *Block `json:"block"`
}

// NewBlockHashesPayload announces block hashes without the bodies, letting
// the receiver selectively fetch via GET_BLOCKS.
type NewBlockHashesPayload struct {
	Hashes  []Hash   `json:"hashes"`
	Heights []uint64 `json:"heights"`
}

// PeersPayload carries known peer addresses in response to GET_PEERS.
type PeersPayload struct {
	Addresses []string `json:"addresses"`
}

// DisconnectPayload carries a human-readable disconnect reason.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// EncodePayload marshals v as the canonical self-describing JSON encoding
// spec.md §4.8 permits.
func EncodePayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, WrapError(KindMalformedMessage, "encode payload", err)
	}
	return b, nil
}

// DecodePayload unmarshals payload into v, failing with KindMalformedMessage
// on any structural error.
func DecodePayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return WrapError(KindMalformedMessage, "decode payload", err)
	}
	return nil
}
