package network

import (
	"sync"
	"testing"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

func mid(b byte) protocol.MessageID {
	var id protocol.MessageID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestCheckAndMarkOncePerWindow(t *testing.T) {
	s := NewSeenStore(5 * time.Minute)

	if s.CheckAndMark(mid(1)) {
		t.Fatal("fresh id reported as seen")
	}
	if !s.CheckAndMark(mid(1)) {
		t.Fatal("second check should report seen")
	}
	if s.CheckAndMark(mid(2)) {
		t.Fatal("unrelated id reported as seen")
	}
}

func TestSeenWindowExpiry(t *testing.T) {
	s := NewSeenStore(5 * time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.MarkSeen(mid(1))
	if !s.HasSeen(mid(1)) {
		t.Fatal("expected seen within window")
	}

	now = now.Add(5*time.Minute + time.Second)
	if s.HasSeen(mid(1)) {
		t.Error("expected expiry after window")
	}
	// An expired id is treated as new again
	if s.CheckAndMark(mid(1)) {
		t.Error("expired id should be markable as new")
	}
}

func TestSeenSweep(t *testing.T) {
	s := NewSeenStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.MarkSeen(mid(1))
	s.MarkSeen(mid(2))
	now = now.Add(2 * time.Minute)
	s.MarkSeen(mid(3))

	if swept := s.Sweep(); swept != 2 {
		t.Errorf("swept %d, want 2", swept)
	}
	if s.Len() != 1 {
		t.Errorf("want 1 live entry, got %d", s.Len())
	}

	stats := s.Stats()
	if stats.TotalSwept != 2 || stats.TotalMarked != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCheckAndMarkConcurrent(t *testing.T) {
	s := NewSeenStore(time.Minute)

	const workers = 32
	var wg sync.WaitGroup
	var freshCount int64
	var mu sync.Mutex

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if !s.CheckAndMark(mid(9)) {
				mu.Lock()
				freshCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if freshCount != 1 {
		t.Errorf("exactly one caller must win the mark, got %d", freshCount)
	}
}

func TestSeenReset(t *testing.T) {
	s := NewSeenStore(time.Minute)
	s.MarkSeen(mid(1))
	s.Reset()
	if s.Len() != 0 || s.HasSeen(mid(1)) {
		t.Error("reset did not clear store")
	}
	if stats := s.Stats(); stats.TotalMarked != 0 {
		t.Errorf("reset did not clear counters: %+v", stats)
	}
}

func TestStreamSubscribeAndUnsubscribe(t *testing.T) {
	st := NewStream[int]()
	ch, unsub := st.Subscribe(4)

	st.Publish(7)
	select {
	case v := <-ch:
		if v != 7 {
			t.Errorf("got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no value delivered")
	}

	unsub()
	if _, open := <-ch; open {
		t.Error("channel should close on unsubscribe")
	}
	if st.SubscriberCount() != 0 {
		t.Error("subscriber leaked")
	}
	unsub() // second call is a no-op
}

func TestStreamSlowSubscriberDoesNotBlock(t *testing.T) {
	st := NewStream[int]()
	ch, unsub := st.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			st.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	<-ch // buffered value still readable
}
