package protocol

import (
	"bytes"
	"testing"
	"time"
)

func testNodeID(b byte) NodeID {
	var id NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func testMessageID(b byte) MessageID {
	var id MessageID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestFragmentEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		env  *FragmentEnvelope
	}{
		{
			name: "basic",
			env: &FragmentEnvelope{
				Index:   2,
				Total:   5,
				Payload: []byte("chunk data"),
			},
		},
		{
			name: "extended",
			env: &FragmentEnvelope{
				Index:         0,
				Total:         3,
				Extended:      true,
				OriginalType:  0x42,
				TTL:           4,
				RecipientHint: testNodeID(0x11),
				Payload:       []byte("relay chunk"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeFragment(tt.env.Encode(), tt.env.Extended)
			if err != nil {
				t.Fatalf("DecodeFragment() error: %v", err)
			}

			if decoded.Index != tt.env.Index || decoded.Total != tt.env.Total {
				t.Errorf("index/total = %d/%d, want %d/%d",
					decoded.Index, decoded.Total, tt.env.Index, tt.env.Total)
			}
			if tt.env.Extended {
				if decoded.OriginalType != tt.env.OriginalType || decoded.TTL != tt.env.TTL {
					t.Error("extended metadata mismatch")
				}
				if decoded.RecipientHint != tt.env.RecipientHint {
					t.Error("recipient hint mismatch")
				}
			}
			if !bytes.Equal(decoded.Payload, tt.env.Payload) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestDecodeFragmentRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		extended bool
	}{
		{name: "empty", buf: nil},
		{name: "zero total", buf: []byte{0, 0, 'x'}},
		{name: "index >= total", buf: []byte{3, 3, 'x'}},
		{name: "extended too short", buf: []byte{0, 1, 0x42, 4}, extended: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFragment(tt.buf, tt.extended); err == nil {
				t.Error("DecodeFragment() accepted invalid envelope")
			}
		})
	}
}

func TestFragmentSplit(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, 1000)

	envelopes, err := Fragment(payload, 256, FragmentOptions{})
	if err != nil {
		t.Fatalf("Fragment() error: %v", err)
	}

	// 254 bytes of payload fit per 256-byte basic fragment
	if len(envelopes) != 4 {
		t.Fatalf("fragment count = %d, want 4", len(envelopes))
	}

	var joined []byte
	for i, env := range envelopes {
		if int(env.Index) != i {
			t.Errorf("envelope %d has index %d", i, env.Index)
		}
		if int(env.Total) != len(envelopes) {
			t.Errorf("envelope %d has total %d, want %d", i, env.Total, len(envelopes))
		}
		if len(env.Encode()) > 256 {
			t.Errorf("envelope %d wire size %d exceeds limit", i, len(env.Encode()))
		}
		joined = append(joined, env.Payload...)
	}

	if !bytes.Equal(joined, payload) {
		t.Error("joined fragments do not reproduce payload")
	}
}

func TestFragmentErrors(t *testing.T) {
	if _, err := Fragment(nil, 256, FragmentOptions{}); err != ErrEmptyPayload {
		t.Errorf("empty payload error = %v, want %v", err, ErrEmptyPayload)
	}
	if _, err := Fragment([]byte("x"), 2, FragmentOptions{}); err != ErrFragmentTooSmall {
		t.Errorf("tiny mtu error = %v, want %v", err, ErrFragmentTooSmall)
	}
	if _, err := Fragment(bytes.Repeat([]byte{1}, 300), 3, FragmentOptions{}); err != ErrPayloadTooLarge {
		t.Errorf("oversize error = %v, want %v", err, ErrPayloadTooLarge)
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := NewReassembler(0)
	sender := testNodeID(0x01)
	id := testMessageID(0x02)

	payload := []byte("abcdefghij")
	envelopes, err := Fragment(payload, FragmentHeaderSize+4, FragmentOptions{})
	if err != nil {
		t.Fatalf("Fragment() error: %v", err)
	}
	if len(envelopes) < 3 {
		t.Fatalf("want at least 3 fragments, got %d", len(envelopes))
	}

	// Deliver out of order: last, first, middle...
	order := []int{len(envelopes) - 1, 0}
	for i := 1; i < len(envelopes)-1; i++ {
		order = append(order, i)
	}

	var final *ReassemblyResult
	for _, idx := range order {
		res, err := r.Accept(sender, id, envelopes[idx])
		if err != nil {
			t.Fatalf("Accept() error: %v", err)
		}
		final = res
	}

	if !final.Complete {
		t.Fatal("set not complete after all fragments")
	}
	if !bytes.Equal(final.Payload, payload) {
		t.Errorf("payload = %q, want %q", final.Payload, payload)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after completion, want 0", r.Pending())
	}
}

func TestReassemblerDuplicateIdempotent(t *testing.T) {
	r := NewReassembler(0)
	sender := testNodeID(0x01)
	id := testMessageID(0x03)

	envelopes, _ := Fragment([]byte("abcdef"), FragmentHeaderSize+3, FragmentOptions{})
	if len(envelopes) != 2 {
		t.Fatalf("want 2 fragments, got %d", len(envelopes))
	}

	// Same fragment twice must not count twice
	if res, _ := r.Accept(sender, id, envelopes[0]); res.Complete {
		t.Fatal("complete after first fragment")
	}
	if res, _ := r.Accept(sender, id, envelopes[0]); res.Complete {
		t.Fatal("complete after duplicate fragment")
	}

	res, err := r.Accept(sender, id, envelopes[1])
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if !res.Complete {
		t.Fatal("not complete after both fragments")
	}
}

func TestReassemblerInterleavedSets(t *testing.T) {
	r := NewReassembler(0)

	setA, _ := Fragment([]byte("first payload"), FragmentHeaderSize+5, FragmentOptions{})
	setB, _ := Fragment([]byte("second payload"), FragmentHeaderSize+5, FragmentOptions{})

	senderA, senderB := testNodeID(0xAA), testNodeID(0xBB)
	idA, idB := testMessageID(0x0A), testMessageID(0x0B)

	// Interleave fragments from the two senders
	max := len(setA)
	if len(setB) > max {
		max = len(setB)
	}

	var gotA, gotB []byte
	for i := 0; i < max; i++ {
		if i < len(setA) {
			if res, err := r.Accept(senderA, idA, setA[i]); err != nil {
				t.Fatal(err)
			} else if res.Complete {
				gotA = res.Payload
			}
		}
		if i < len(setB) {
			if res, err := r.Accept(senderB, idB, setB[i]); err != nil {
				t.Fatal(err)
			} else if res.Complete {
				gotB = res.Payload
			}
		}
	}

	if string(gotA) != "first payload" || string(gotB) != "second payload" {
		t.Errorf("interleaved reassembly got %q / %q", gotA, gotB)
	}
}

func TestReassemblerTTLExhausted(t *testing.T) {
	r := NewReassembler(0)

	env := &FragmentEnvelope{
		Index:        0,
		Total:        1,
		Extended:     true,
		OriginalType: 1,
		TTL:          0,
		Payload:      []byte("last hop"),
	}

	res, err := r.Accept(testNodeID(1), testMessageID(1), env)
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if !res.Complete {
		t.Fatal("single fragment set should complete")
	}
	if res.Forwardable {
		t.Error("TTL-exhausted payload reported forwardable")
	}
	if !bytes.Equal(res.Payload, []byte("last hop")) {
		t.Error("TTL-exhausted payload must still be delivered locally")
	}
}

func TestReassemblerSweep(t *testing.T) {
	r := NewReassembler(time.Second)

	base := time.Now()
	r.now = func() time.Time { return base }

	envelopes, _ := Fragment([]byte("abcdef"), FragmentHeaderSize+3, FragmentOptions{})
	if _, err := r.Accept(testNodeID(1), testMessageID(1), envelopes[0]); err != nil {
		t.Fatal(err)
	}

	if evicted := r.Sweep(); evicted != 0 {
		t.Errorf("Sweep() before timeout evicted %d", evicted)
	}

	r.now = func() time.Time { return base.Add(2 * time.Second) }
	if evicted := r.Sweep(); evicted != 1 {
		t.Errorf("Sweep() after timeout evicted %d, want 1", evicted)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after sweep", r.Pending())
	}
}

func TestReassemblerTotalMismatch(t *testing.T) {
	r := NewReassembler(0)
	sender, id := testNodeID(1), testMessageID(1)

	if _, err := r.Accept(sender, id, &FragmentEnvelope{Index: 0, Total: 3, Payload: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Accept(sender, id, &FragmentEnvelope{Index: 1, Total: 4, Payload: []byte("b")}); err != ErrInconsistentTotal {
		t.Errorf("mismatched total error = %v, want %v", err, ErrInconsistentTotal)
	}
}
