package core

import (
	"bytes"
	"testing"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frame := Frame{Type: MsgPing, Payload: []byte("payload")}
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != MsgPing || !bytes.Equal(got.Payload, []byte("payload")) {
		t.Fatalf("round-tripped frame does not match: %+v", got)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	frame := Frame{Type: MsgBlocks, Payload: make([]byte, 100)}
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := ReadFrame(&buf, 10); !IsKind(err, KindOversizedMessage) {
		t.Fatalf("expected KindOversizedMessage, got %v", err)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	header := []byte{0, 0, 0, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(header), 0); !IsKind(err, KindInvalidFrame) {
		t.Fatalf("expected KindInvalidFrame for a zero-length frame, got %v", err)
	}
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	frame := Frame{Type: MsgPing, Payload: []byte("hello")}
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:len(buf.Bytes())-2]
	if _, err := ReadFrame(bytes.NewReader(truncated), 0); !IsKind(err, KindInvalidFrame) {
		t.Fatalf("expected KindInvalidFrame for a truncated payload, got %v", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MsgHello.String() != "HELLO" {
		t.Fatalf("expected HELLO, got %s", MsgHello.String())
	}
	if MessageType(0xee).String() == "" {
		t.Fatalf("expected a non-empty string for an unknown message type")
	}
}

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	payload := HelloPayload{
		ProtocolVersion: 1,
		NetworkID:       "aichain-test",
		BestHeight:      42,
		ListenPort:      30303,
		Capabilities:    []string{"sync", "scoring"},
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	var decoded HelloPayload
	if err := DecodePayload(encoded, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.NetworkID != payload.NetworkID || decoded.BestHeight != payload.BestHeight {
		t.Fatalf("decoded payload does not match the original: %+v", decoded)
	}
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	var decoded HelloPayload
	if err := DecodePayload([]byte("not json"), &decoded); !IsKind(err, KindMalformedMessage) {
		t.Fatalf("expected KindMalformedMessage, got %v", err)
	}
}
