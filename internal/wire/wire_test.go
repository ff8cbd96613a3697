package wire

import (
	"bytes"
	"testing"
)

func equalityCheck(t *testing.T, name string, got, want interface{}) {
	if got != want {
		t.Errorf("%v mismatch. Expecting %v, got %v", name, want, got)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	src := NewMessage(KindGcsRequest, 1, 2, 7, 42, 100, []byte("block-payload"))

	buf := &bytes.Buffer{}
	if err := WriteMessage(buf, src); err != nil {
		t.Fatalf("unexpected WriteMessage error: %v", err)
	}

	dst, err := ReadMessage(buf)
	if err != nil {
		t.Fatalf("unexpected ReadMessage error: %v", err)
	}

	equalityCheck(t, "Kind", dst.Header.Kind, src.Header.Kind)
	equalityCheck(t, "From", dst.Header.From, src.Header.From)
	equalityCheck(t, "To", dst.Header.To, src.Header.To)
	equalityCheck(t, "ViewSeq", dst.Header.ViewSeq, src.Header.ViewSeq)
	equalityCheck(t, "Seq", dst.Header.Seq, src.Header.Seq)
	equalityCheck(t, "SCN", dst.Header.SCN, src.Header.SCN)
	if !bytes.Equal(dst.Payload, src.Payload) {
		t.Errorf("payload mismatch. Expecting %v, got %v", src.Payload, dst.Payload)
	}
}

func TestMessageZeroLengthPayloadRoundTrips(t *testing.T) {
	// spec §8: "zero-length payloads are rejected" for block transfers.
	// The wire layer itself allows zero-length control messages
	// (Heartbeat has none); the rejection is enforced by gcs at the block
	// transfer boundary. Here we confirm the framing survives a
	// zero-length payload so that boundary check has something to
	// inspect rather than failing to decode.
	src := NewMessage(KindHeartbeat, 1, Broadcast, 1, 1, 0, nil)
	buf := &bytes.Buffer{}
	if err := WriteMessage(buf, src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dst, err := ReadMessage(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	equalityCheck(t, "PayloadLen", dst.Header.PayloadLen, uint32(0))
}

func TestMessageCorruptionDetected(t *testing.T) {
	src := NewMessage(KindGcsGrant, 1, 2, 1, 1, 1, []byte("hello"))
	buf := &bytes.Buffer{}
	if err := WriteMessage(buf, src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a payload bit

	_, err := ReadMessage(bytes.NewReader(corrupted))
	if err == nil {
		t.Fatalf("expected checksum error, got nil")
	}
}

func TestSequenceOrdersDuplicatesAndReorders(t *testing.T) {
	// Message layer round-trip law (spec §8): with duplicates and
	// reorderings within a connection, per-connection seq lets a
	// receiver reconstruct the sender's original order. We model the
	// receiver side of that law: given a jumbled, duplicated batch of
	// messages, dedup by Seq yields each sent message exactly once under
	// its own Seq, from which the sender's order can be read back.
	sent := []*Message{
		NewMessage(KindGcsRequest, 1, 2, 1, 1, 10, []byte("a")),
		NewMessage(KindGcsRequest, 1, 2, 1, 2, 11, []byte("b")),
		NewMessage(KindGcsRequest, 1, 2, 1, 3, 12, []byte("c")),
	}

	received := []*Message{sent[1], sent[0], sent[1], sent[2], sent[0]}

	seen := make(map[uint64]*Message)
	for _, m := range received {
		seen[m.Header.Seq] = m
	}
	if len(seen) != len(sent) {
		t.Fatalf("expected %d distinct seqs, got %d", len(sent), len(seen))
	}
	for _, m := range sent {
		got, ok := seen[m.Header.Seq]
		if !ok {
			t.Fatalf("missing seq %d", m.Header.Seq)
		}
		if !bytes.Equal(got.Payload, m.Payload) {
			t.Errorf("seq %d payload mismatch: got %v want %v", m.Header.Seq, got.Payload, m.Payload)
		}
	}
}
