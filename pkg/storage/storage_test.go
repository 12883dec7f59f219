package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

func openTestDB(t *testing.T) *MeshDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetContact(t *testing.T) {
	db := openTestDB(t)

	c := &Contact{
		FirstContactID: "fc-alice",
		DisplayName:    "Alice",
		TrustTier:      protocol.TrustLow,
	}
	if err := db.SaveContact(c); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}

	got, err := db.GetContact("fc-alice")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if got.DisplayName != "Alice" || got.TrustTier != protocol.TrustLow {
		t.Errorf("unexpected contact: %+v", got)
	}
	if got.DurableID != "" {
		t.Errorf("expected empty durable id, got %q", got.DurableID)
	}
}

func TestPromoteContact(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveContact(&Contact{FirstContactID: "fc-bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}
	if err := db.PromoteContact("fc-bob", "durable-bob", protocol.TrustMedium); err != nil {
		t.Fatalf("PromoteContact failed: %v", err)
	}

	got, err := db.GetContactByDurable("durable-bob")
	if err != nil {
		t.Fatalf("GetContactByDurable failed: %v", err)
	}
	if got.FirstContactID != "fc-bob" {
		t.Errorf("durable lookup returned wrong contact: %+v", got)
	}
	if got.TrustTier != protocol.TrustMedium {
		t.Errorf("expected trust medium, got %v", got.TrustTier)
	}
}

func TestStaticKeySurvivesRefresh(t *testing.T) {
	db := openTestDB(t)

	c := &Contact{
		FirstContactID: "fc-dave",
		DisplayName:    "Dave",
		StaticKey:      "ab12",
	}
	if err := db.SaveContact(c); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}

	got, err := db.GetContact("fc-dave")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if got.StaticKey != "ab12" {
		t.Errorf("static key = %q, want ab12", got.StaticKey)
	}

	// A refresh without key material must not erase the pairing
	if err := db.SaveContact(&Contact{FirstContactID: "fc-dave", DisplayName: "Dave"}); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}
	got, err = db.GetContact("fc-dave")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if got.StaticKey != "ab12" {
		t.Errorf("static key after refresh = %q, want ab12", got.StaticKey)
	}
}

func TestFirstContactIDImmutable(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveContact(&Contact{FirstContactID: "fc-carol", DisplayName: "Carol"}); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}
	// Re-save with a new display name keeps the same row
	if err := db.SaveContact(&Contact{FirstContactID: "fc-carol", DisplayName: "Caroline"}); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}

	all, err := db.AllContacts()
	if err != nil {
		t.Fatalf("AllContacts failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(all))
	}
	if all[0].DisplayName != "Caroline" {
		t.Errorf("expected updated display name, got %q", all[0].DisplayName)
	}
}

func TestFavoriteLookupByEitherID(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveContact(&Contact{FirstContactID: "fc-dave", DisplayName: "Dave"}); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}
	if err := db.PromoteContact("fc-dave", "durable-dave", protocol.TrustHigh); err != nil {
		t.Fatalf("PromoteContact failed: %v", err)
	}
	if err := db.SetFavorite("fc-dave", true); err != nil {
		t.Fatalf("SetFavorite failed: %v", err)
	}

	if !db.IsFavorite("fc-dave") {
		t.Error("expected favorite by first-contact id")
	}
	if !db.IsFavorite("durable-dave") {
		t.Error("expected favorite by durable id")
	}
	if db.IsFavorite("unknown-peer") {
		t.Error("unknown peer should not be favorite")
	}
}

func newTestMsg(id, recipient string) *QueuedMessage {
	return &QueuedMessage{
		ID:          id,
		ChatID:      "chat-" + recipient,
		Content:     []byte("hello"),
		RecipientID: recipient,
		SenderID:    "self",
		Priority:    protocol.PriorityNormal,
	}
}

func TestEnqueueCapacityOrdinaryPeer(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, QueueConfig{
		PerPeerCapacity:    3,
		FavoriteMultiplier: 5,
		MaxRetries:         5,
		BaseBackoff:        time.Second,
		MaxBackoff:         time.Minute,
	})

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(newTestMsg(fmt.Sprintf("msg-%d", i), "peer-a")); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if _, err := q.Enqueue(newTestMsg("msg-over", "peer-a")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	// A different recipient has its own allotment
	if _, err := q.Enqueue(newTestMsg("msg-b", "peer-b")); err != nil {
		t.Errorf("unrelated peer should not be capped: %v", err)
	}
}

func TestEnqueueFavoriteCapacityAndBoost(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveContact(&Contact{FirstContactID: "fav-peer", DisplayName: "Fav"}); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}
	if err := db.SetFavorite("fav-peer", true); err != nil {
		t.Fatalf("SetFavorite failed: %v", err)
	}

	q := NewOfflineQueue(db, QueueConfig{
		PerPeerCapacity:    2,
		FavoriteMultiplier: 3,
		MaxRetries:         5,
		BaseBackoff:        time.Second,
		MaxBackoff:         time.Minute,
	})

	if got := q.CapacityFor("fav-peer"); got != 6 {
		t.Errorf("favorite capacity = %d, want 6", got)
	}

	for i := 0; i < 6; i++ {
		if _, err := q.Enqueue(newTestMsg(fmt.Sprintf("fav-%d", i), "fav-peer")); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if _, err := q.Enqueue(newTestMsg("fav-over", "fav-peer")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull at multiplied capacity, got %v", err)
	}

	// Normal priority boosted to high for favorites
	got, err := q.Get("fav-0")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Priority != protocol.PriorityHigh {
		t.Errorf("expected boosted priority high, got %v", got.Priority)
	}
}

func TestFavoriteBoostNeverDowngrades(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveContact(&Contact{FirstContactID: "fav2", DisplayName: "F"}); err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}
	if err := db.SetFavorite("fav2", true); err != nil {
		t.Fatalf("SetFavorite failed: %v", err)
	}

	q := NewOfflineQueue(db, DefaultQueueConfig())
	msg := newTestMsg("urgent-1", "fav2")
	msg.Priority = protocol.PriorityUrgent
	if _, err := q.Enqueue(msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := q.Get("urgent-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Priority != protocol.PriorityUrgent {
		t.Errorf("urgent priority was changed to %v", got.Priority)
	}
}

func TestDeliveredFreesCapacity(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, QueueConfig{
		PerPeerCapacity:    1,
		FavoriteMultiplier: 5,
		MaxRetries:         5,
		BaseBackoff:        time.Second,
		MaxBackoff:         time.Minute,
	})

	if _, err := q.Enqueue(newTestMsg("m1", "peer-x")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(newTestMsg("m2", "peer-x")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected full queue, got %v", err)
	}

	if err := q.MarkDelivered("m1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if _, err := q.Enqueue(newTestMsg("m2", "peer-x")); err != nil {
		t.Errorf("delivered message should free capacity: %v", err)
	}
}

func TestFailedStillOccupiesCapacity(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, QueueConfig{
		PerPeerCapacity:    1,
		FavoriteMultiplier: 5,
		MaxRetries:         5,
		BaseBackoff:        time.Second,
		MaxBackoff:         time.Minute,
	})

	if _, err := q.Enqueue(newTestMsg("f1", "peer-y")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.MarkFailed("f1", "unreachable"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := q.Enqueue(newTestMsg("f2", "peer-y")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("failed message should still hold capacity, got %v", err)
	}

	// Removing it frees the slot
	if err := q.Remove("f1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := q.Enqueue(newTestMsg("f2", "peer-y")); err != nil {
		t.Errorf("expected capacity after removal: %v", err)
	}
}

func TestScheduleRetryExhaustsBudget(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, QueueConfig{
		PerPeerCapacity:    10,
		FavoriteMultiplier: 5,
		MaxRetries:         3,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         time.Second,
	})

	if _, err := q.Enqueue(newTestMsg("r1", "peer-z")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		retrying, err := q.ScheduleRetry("r1", "timeout")
		if err != nil {
			t.Fatalf("ScheduleRetry %d failed: %v", i, err)
		}
		if !retrying {
			t.Fatalf("retry budget exhausted too early at attempt %d", i)
		}
	}

	retrying, err := q.ScheduleRetry("r1", "timeout")
	if err != nil {
		t.Fatalf("final ScheduleRetry failed: %v", err)
	}
	if retrying {
		t.Error("expected retry budget exhaustion")
	}

	got, err := q.Get("r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if got.FailReason != "timeout" {
		t.Errorf("expected fail reason recorded, got %q", got.FailReason)
	}
}

func TestRetryFailedResetsMessages(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, DefaultQueueConfig())

	if _, err := q.Enqueue(newTestMsg("rf1", "peer-q")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.MarkFailed("rf1", "dead link"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	n, err := q.RetryFailed()
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset, got %d", n)
	}

	got, _ := q.Get("rf1")
	if got.Status != StatusPending || got.RetryCount != 0 {
		t.Errorf("expected clean pending message, got %+v", got)
	}
}

func TestDueOrdering(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, DefaultQueueConfig())

	low := newTestMsg("due-low", "peer-d")
	low.QueuedAt = 100
	high := newTestMsg("due-high", "peer-d")
	high.Priority = protocol.PriorityUrgent
	high.QueuedAt = 200

	if _, err := q.Enqueue(low); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(high); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	due, err := q.Due(time.Now(), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due, got %d", len(due))
	}
	if due[0].ID != "due-high" {
		t.Errorf("urgent message should sort first, got %s", due[0].ID)
	}
}

func TestRelayMetadataRoundTrip(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, DefaultQueueConfig())

	msg := newTestMsg("relay-1", "next-hop")
	msg.Relay = &HopMetadata{
		OriginalSender: "origin",
		FinalRecipient: "destination",
		HopCount:       2,
		TTL:            2,
		MessageHash:    "abcd1234",
	}
	if _, err := q.Enqueue(msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := q.Get("relay-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Relay == nil {
		t.Fatal("relay metadata missing")
	}
	if got.Relay.FinalRecipient != "destination" || got.Relay.TTL != 2 {
		t.Errorf("unexpected relay metadata: %+v", got.Relay)
	}
}

func TestQueueStats(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, DefaultQueueConfig())

	if _, err := q.Enqueue(newTestMsg("s1", "p")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(newTestMsg("s2", "p")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.MarkDelivered("s2"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Delivered != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSchedulerDeliversWhenOnline(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, DefaultQueueConfig())

	var mu sync.Mutex
	delivered := make(map[string]bool)
	sched := NewScheduler(q, func(msg *QueuedMessage) error {
		mu.Lock()
		delivered[msg.ID] = true
		mu.Unlock()
		return nil
	}, 10*time.Millisecond, 10)

	if _, err := q.Enqueue(newTestMsg("sch-1", "peer-s")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	sched.Start()
	defer sched.Stop()

	// Offline: nothing happens
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 0 {
		t.Fatal("scheduler delivered while offline")
	}

	sched.SetOnline()
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ok := delivered["sch-1"]
		mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message not delivered after going online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := q.Get("sch-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusDelivered {
		t.Errorf("expected delivered, got %s", got.Status)
	}
}

func TestSchedulerTerminalCallback(t *testing.T) {
	db := openTestDB(t)
	q := NewOfflineQueue(db, QueueConfig{
		PerPeerCapacity:    10,
		FavoriteMultiplier: 5,
		MaxRetries:         1,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         time.Millisecond,
	})

	terminal := make(chan string, 1)
	sched := NewScheduler(q, func(msg *QueuedMessage) error {
		return errors.New("link down")
	}, 10*time.Millisecond, 10)
	sched.OnTerminal = func(msg *QueuedMessage, reason string) {
		select {
		case terminal <- msg.ID:
		default:
		}
	}

	if _, err := q.Enqueue(newTestMsg("term-1", "peer-t")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	sched.Start()
	defer sched.Stop()
	sched.SetOnline()

	select {
	case id := <-terminal:
		if id != "term-1" {
			t.Errorf("unexpected terminal message %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback never fired")
	}
}
