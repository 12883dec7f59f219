package storage

import (
	"log"
	"sync"
	"time"
)

// DeliverFunc attempts delivery of one message. A nil error marks the
// message delivered; an error schedules a retry.
type DeliverFunc func(msg *QueuedMessage) error

// GateFunc optionally blocks delivery attempts per recipient (e.g. a
// trust policy). A blocked message stays queued without burning a
// retry.
type GateFunc func(recipientID string) bool

// Scheduler sweeps the queue for due messages and hands them to a
// delivery callback while the node considers itself online.
type Scheduler struct {
	queue   *OfflineQueue
	deliver DeliverFunc
	gate    GateFunc

	interval   time.Duration
	batchLimit int

	// OnTerminal, when set, is invoked for messages that exhaust
	// their retry budget.
	OnTerminal func(msg *QueuedMessage, reason string)

	mu     sync.Mutex
	online bool
	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewScheduler creates a scheduler over a queue. interval controls the
// sweep cadence; batchLimit caps attempts per sweep.
func NewScheduler(queue *OfflineQueue, deliver DeliverFunc, interval time.Duration, batchLimit int) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchLimit <= 0 {
		batchLimit = 32
	}
	return &Scheduler{
		queue:      queue,
		deliver:    deliver,
		interval:   interval,
		batchLimit: batchLimit,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetGate installs a delivery gate. Must be called before Start.
func (s *Scheduler) SetGate(gate GateFunc) {
	s.gate = gate
}

// Start launches the sweep loop
func (s *Scheduler) Start() {
	go s.run()
	log.Printf("✅ Queue scheduler started (sweep every %v)", s.interval)
}

// Stop halts the sweep loop and waits for it to exit
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// SetOnline marks the node online and kicks an immediate sweep so
// queued messages don't wait out a full interval.
func (s *Scheduler) SetOnline() {
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetOffline suspends delivery attempts; messages continue to queue
func (s *Scheduler) SetOffline() {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
}

// Online reports whether delivery attempts are active
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
			s.sweep()
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep attempts delivery of all due messages up to the batch limit
func (s *Scheduler) sweep() {
	if !s.Online() {
		return
	}

	due, err := s.queue.Due(time.Now(), s.batchLimit)
	if err != nil {
		log.Printf("⚠️ Queue sweep failed: %v", err)
		return
	}

	for _, msg := range due {
		if s.gate != nil && !s.gate(msg.RecipientID) {
			continue
		}
		if !s.queue.MarkSending(msg.ID) {
			continue // removed or claimed elsewhere
		}

		if err := s.deliver(msg); err != nil {
			retrying, rerr := s.queue.ScheduleRetry(msg.ID, err.Error())
			if rerr != nil {
				log.Printf("⚠️ Failed to schedule retry for %.8s: %v", msg.ID, rerr)
				continue
			}
			if !retrying {
				log.Printf("⚠️ Message %.8s exhausted retries: %v", msg.ID, err)
				if s.OnTerminal != nil {
					s.OnTerminal(msg, err.Error())
				}
			}
			continue
		}

		if err := s.queue.MarkDelivered(msg.ID); err != nil {
			log.Printf("⚠️ Failed to mark %.8s delivered: %v", msg.ID, err)
		}
	}
}
