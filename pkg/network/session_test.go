package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// pairedSessions builds two sessions with mirrored directional keys,
// as the handshake Split would produce them.
func pairedSessions(t *testing.T, cfg Config) (*Session, *Session) {
	t.Helper()

	var k1, k2, transcript [32]byte
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
		transcript[i] = byte(i * 3)
	}

	alice := NewSession(protocol.RoleInitiator, &protocol.SessionKeys{
		SendKey: k1, ReceiveKey: k2, TranscriptSum: transcript,
	}, cfg)
	bob := NewSession(protocol.RoleResponder, &protocol.SessionKeys{
		SendKey: k2, ReceiveKey: k1, TranscriptSum: transcript,
	}, cfg)

	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})
	return alice, bob
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob := pairedSessions(t, Config{})

	plaintext := []byte("the fox is in the henhouse")
	frame, err := alice.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	got, err := bob.Decrypt(frame)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}

	// And the reverse direction
	frame, err = bob.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatalf("reverse Encrypt failed: %v", err)
	}
	if got, err := alice.Decrypt(frame); err != nil || string(got) != "ack" {
		t.Errorf("reverse Decrypt = %q, %v", got, err)
	}
}

func TestSessionTamperRejected(t *testing.T) {
	alice, bob := pairedSessions(t, Config{})

	frame, err := alice.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	frame[len(frame)-1] ^= 0x01
	if _, err := bob.Decrypt(frame); err == nil {
		t.Fatal("tampered frame must not decrypt")
	}
}

func TestSessionReplayRejected(t *testing.T) {
	alice, bob := pairedSessions(t, Config{})

	frame, err := alice.Encrypt([]byte("once"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := bob.Decrypt(frame); err != nil {
		t.Fatalf("first Decrypt failed: %v", err)
	}
	if _, err := bob.Decrypt(frame); !errors.Is(err, ErrReplayedNonce) {
		t.Errorf("duplicate must fail with ErrReplayedNonce, got %v", err)
	}

	if stats := bob.Stats(); stats.ReplaysRejected != 1 {
		t.Errorf("replay counter = %d, want 1", stats.ReplaysRejected)
	}
}

func TestSessionReorderWithinWindow(t *testing.T) {
	alice, bob := pairedSessions(t, Config{ReplayWindow: 64})

	var frames [][]byte
	for i := 0; i < 5; i++ {
		frame, err := alice.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt %d failed: %v", i, err)
		}
		frames = append(frames, frame)
	}

	// Deliver out of order: 4, 1, 3, 0, 2
	for _, i := range []int{4, 1, 3, 0, 2} {
		got, err := bob.Decrypt(frames[i])
		if err != nil {
			t.Fatalf("reordered Decrypt %d failed: %v", i, err)
		}
		if got[0] != byte(i) {
			t.Errorf("frame %d decrypted to %d", i, got[0])
		}
	}

	// Every frame replayed now fails
	for i, frame := range frames {
		if _, err := bob.Decrypt(frame); !errors.Is(err, ErrReplayedNonce) {
			t.Errorf("replay of frame %d not rejected: %v", i, err)
		}
	}
}

func TestSessionCounterTooOldRejected(t *testing.T) {
	alice, bob := pairedSessions(t, Config{ReplayWindow: 8})

	first, err := alice.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		frame, err := alice.Encrypt([]byte("filler"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if _, err := bob.Decrypt(frame); err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
	}

	// Counter 1 is now more than 8 behind the highest accepted
	if _, err := bob.Decrypt(first); !errors.Is(err, ErrReplayedNonce) {
		t.Errorf("counter behind the window must be rejected, got %v", err)
	}
}

func TestSessionForgedCounterDoesNotPoisonWindow(t *testing.T) {
	alice, bob := pairedSessions(t, Config{})

	frame, err := alice.Encrypt([]byte("real"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Forge a high counter on a garbage ciphertext
	forged := make([]byte, len(frame))
	copy(forged, frame)
	binary.BigEndian.PutUint64(forged[:8], 1000)
	if _, err := bob.Decrypt(forged); err == nil {
		t.Fatal("forged frame must not decrypt")
	}

	// The legitimate frame still decrypts: the failed forgery did not
	// advance the window.
	if _, err := bob.Decrypt(frame); err != nil {
		t.Errorf("legitimate frame rejected after forgery attempt: %v", err)
	}
}

func TestSessionRekeySuspendsAndDrains(t *testing.T) {
	alice, bob := pairedSessions(t, Config{})

	if err := alice.BeginRekey(); err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	if alice.State() != SessionRekeying {
		t.Fatalf("state = %v, want rekeying", alice.State())
	}

	// An encrypt during the rekey suspends until new keys land
	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		frame, err := alice.Encrypt([]byte("suspended"))
		done <- result{frame, err}
	}()

	select {
	case <-done:
		t.Fatal("encrypt completed during rekey")
	case <-time.After(100 * time.Millisecond):
	}

	// Install mirrored fresh keys on both sides
	dh := bytes.Repeat([]byte{0x42}, 32)
	aliceKeys := aliceCurrentKeys(t, alice)
	newA, err := protocol.RekeyDerive(&aliceKeys, dh, true)
	if err != nil {
		t.Fatalf("RekeyDerive failed: %v", err)
	}
	bobKeys := protocol.SessionKeys{
		SendKey: aliceKeys.ReceiveKey, ReceiveKey: aliceKeys.SendKey, TranscriptSum: aliceKeys.TranscriptSum,
	}
	newB, err := protocol.RekeyDerive(&bobKeys, dh, false)
	if err != nil {
		t.Fatalf("RekeyDerive failed: %v", err)
	}

	if err := bob.BeginRekey(); err != nil {
		t.Fatalf("bob BeginRekey failed: %v", err)
	}
	if err := bob.CompleteRekey(newB); err != nil {
		t.Fatalf("bob CompleteRekey failed: %v", err)
	}
	if err := alice.CompleteRekey(newA); err != nil {
		t.Fatalf("alice CompleteRekey failed: %v", err)
	}

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("suspended encrypt never released")
	}
	if r.err != nil {
		t.Fatalf("suspended encrypt failed: %v", r.err)
	}

	got, err := bob.Decrypt(r.frame)
	if err != nil {
		t.Fatalf("post-rekey Decrypt failed: %v", err)
	}
	if string(got) != "suspended" {
		t.Errorf("got %q", got)
	}
}

// aliceCurrentKeys reconstructs the fixed test keys used by
// pairedSessions for initiator side.
func aliceCurrentKeys(t *testing.T, _ *Session) protocol.SessionKeys {
	t.Helper()
	var k1, k2, transcript [32]byte
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
		transcript[i] = byte(i * 3)
	}
	return protocol.SessionKeys{SendKey: k1, ReceiveKey: k2, TranscriptSum: transcript}
}

func TestSessionClosedFailsPending(t *testing.T) {
	alice, _ := pairedSessions(t, Config{})

	if err := alice.BeginRekey(); err != nil {
		t.Fatalf("BeginRekey failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := alice.Encrypt([]byte("doomed"))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	alice.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("pending encrypt got %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending encrypt never failed")
	}

	if _, err := alice.Encrypt([]byte("late")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("encrypt after close got %v", err)
	}
}
