package storage

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// QueuedStatus is the delivery state of a queued message
type QueuedStatus string

const (
	StatusPending   QueuedStatus = "pending"
	StatusSending   QueuedStatus = "sending"
	StatusRetrying  QueuedStatus = "retrying"
	StatusDelivered QueuedStatus = "delivered"
	StatusFailed    QueuedStatus = "failed"
)

// countsTowardCapacity reports whether a status occupies queue
// capacity. Delivered messages never do.
func (s QueuedStatus) countsTowardCapacity() bool {
	switch s {
	case StatusPending, StatusSending, StatusRetrying, StatusFailed:
		return true
	}
	return false
}

// HopMetadata is present only on relay items travelling on behalf of
// other nodes.
type HopMetadata struct {
	OriginalSender string
	FinalRecipient string
	HopCount       int
	TTL            int
	MessageHash    string
}

// QueuedMessage is one outbound message owned by the queue until it
// reaches a terminal state.
type QueuedMessage struct {
	ID          string
	ChatID      string
	Content     []byte
	RecipientID string
	SenderID    string
	Priority    protocol.Priority
	Status      QueuedStatus
	Relay       *HopMetadata // nil for direct messages
	RetryCount  int
	QueuedAt    int64
	NextAttempt int64
	FailReason  string
}

// QueueConfig tunes capacity and retry behavior
type QueueConfig struct {
	PerPeerCapacity    int           // ordinary peers
	FavoriteMultiplier int           // favorites get capacity * multiplier
	MaxRetries         int           // attempts before a message fails
	BaseBackoff        time.Duration // first retry delay
	MaxBackoff         time.Duration // backoff cap
}

// DefaultQueueConfig returns the default queue tuning
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PerPeerCapacity:    100,
		FavoriteMultiplier: 5,
		MaxRetries:         5,
		BaseBackoff:        2 * time.Second,
		MaxBackoff:         5 * time.Minute,
	}
}

// OfflineQueue buffers outbound messages until their recipient is
// reachable. Capacity is enforced per recipient, asymmetrically:
// favorite peers get a larger allotment and an automatic priority
// boost. The enqueue path is a single critical section so a capacity
// check and its insert cannot interleave with another enqueue.
type OfflineQueue struct {
	db  *MeshDB
	cfg QueueConfig

	mu sync.Mutex // serializes capacity-check-and-enqueue
}

// NewOfflineQueue creates a queue over an open database
func NewOfflineQueue(db *MeshDB, cfg QueueConfig) *OfflineQueue {
	if cfg.PerPeerCapacity == 0 {
		cfg = DefaultQueueConfig()
	}
	return &OfflineQueue{db: db, cfg: cfg}
}

// CapacityFor returns the capacity granted to one recipient
func (q *OfflineQueue) CapacityFor(recipientID string) int {
	if q.db.IsFavorite(recipientID) {
		return q.cfg.PerPeerCapacity * q.cfg.FavoriteMultiplier
	}
	return q.cfg.PerPeerCapacity
}

// Enqueue adds a message. It fails with ErrQueueFull when the
// recipient's capacity is exhausted. Enqueueing to a favorite boosts
// normal priority to high; an already higher priority is never
// downgraded.
func (q *OfflineQueue) Enqueue(msg *QueuedMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count, err := q.occupiedFor(msg.RecipientID)
	if err != nil {
		return "", err
	}

	favorite := q.db.IsFavorite(msg.RecipientID)
	capacity := q.cfg.PerPeerCapacity
	if favorite {
		capacity *= q.cfg.FavoriteMultiplier
	}
	if count >= capacity {
		return "", ErrQueueFull
	}

	if favorite && msg.Priority == protocol.PriorityNormal {
		msg.Priority = protocol.PriorityHigh
	}

	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.QueuedAt == 0 {
		msg.QueuedAt = time.Now().Unix()
	}

	relay := msg.Relay
	if relay == nil {
		relay = &HopMetadata{}
	}

	query := `
		INSERT INTO queued_messages (
			message_id, chat_id, recipient_id, sender_id, content,
			priority, status, is_relay, original_sender, final_recipient,
			hop_count, ttl, message_hash, retry_count, queued_at, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.db.db.Exec(query,
		msg.ID, msg.ChatID, msg.RecipientID, msg.SenderID, msg.Content,
		int(msg.Priority), string(msg.Status), boolToInt(msg.Relay != nil),
		relay.OriginalSender, relay.FinalRecipient, relay.HopCount, relay.TTL,
		relay.MessageHash, msg.RetryCount, msg.QueuedAt, msg.NextAttempt)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %v", err)
	}

	log.Printf("📬 Queued %s message %.8s for %.8s (priority %s)",
		statusLabel(msg.Relay != nil), msg.ID, msg.RecipientID, msg.Priority)
	return msg.ID, nil
}

func statusLabel(relay bool) string {
	if relay {
		return "relay"
	}
	return "direct"
}

// occupiedFor counts the entries holding capacity for a recipient
func (q *OfflineQueue) occupiedFor(recipientID string) (int, error) {
	var count int
	err := q.db.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages
		 WHERE recipient_id = ? AND status IN ('pending', 'sending', 'retrying', 'failed')`,
		recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue occupancy: %v", err)
	}
	return count, nil
}

// OccupiedFor exposes the capacity-relevant count for one recipient
func (q *OfflineQueue) OccupiedFor(recipientID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.occupiedFor(recipientID)
}

// Get retrieves one queued message by id
func (q *OfflineQueue) Get(id string) (*QueuedMessage, error) {
	row := q.db.db.QueryRow(
		`SELECT message_id, chat_id, recipient_id, sender_id, content,
		        priority, status, is_relay, original_sender, final_recipient,
		        hop_count, ttl, message_hash, retry_count, queued_at, next_attempt_at, fail_reason
		 FROM queued_messages WHERE message_id = ?`, id)

	var msg QueuedMessage
	var priority, isRelay int
	var status string
	var relay HopMetadata
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.RecipientID, &msg.SenderID, &msg.Content,
		&priority, &status, &isRelay, &relay.OriginalSender, &relay.FinalRecipient,
		&relay.HopCount, &relay.TTL, &relay.MessageHash, &msg.RetryCount,
		&msg.QueuedAt, &msg.NextAttempt, &msg.FailReason)
	if err != nil {
		return nil, ErrNotFound
	}

	msg.Priority = protocol.Priority(priority)
	msg.Status = QueuedStatus(status)
	if intToBool(isRelay) {
		msg.Relay = &relay
	}
	return &msg, nil
}

// Due returns up to limit messages ready for a delivery attempt,
// highest priority first, oldest first within a priority.
func (q *OfflineQueue) Due(now time.Time, limit int) ([]*QueuedMessage, error) {
	rows, err := q.db.db.Query(
		`SELECT message_id FROM queued_messages
		 WHERE status IN ('pending', 'retrying') AND next_attempt_at <= ?
		 ORDER BY priority DESC, queued_at ASC
		 LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgs := make([]*QueuedMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := q.Get(id)
		if err != nil {
			continue // removed concurrently
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkSending transitions a message into the sending state. Returns
// false when the message no longer exists (cancelled externally).
func (q *OfflineQueue) MarkSending(id string) bool {
	result, err := q.db.db.Exec(
		`UPDATE queued_messages SET status = 'sending' WHERE message_id = ? AND status IN ('pending', 'retrying')`,
		id)
	if err != nil {
		return false
	}
	n, _ := result.RowsAffected()
	return n > 0
}

// MarkDelivered transitions a message to its delivered terminal state
func (q *OfflineQueue) MarkDelivered(id string) error {
	result, err := q.db.db.Exec(
		`UPDATE queued_messages SET status = 'delivered' WHERE message_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions a message to its failed state with a reason.
// Failed entries still occupy capacity until retried or removed.
func (q *OfflineQueue) MarkFailed(id string, reason string) error {
	result, err := q.db.db.Exec(
		`UPDATE queued_messages SET status = 'failed', fail_reason = ? WHERE message_id = ?`,
		reason, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduleRetry records a failed attempt and schedules the next one
// with bounded exponential backoff. Returns false when the retry
// budget is exhausted, in which case the message is marked failed.
func (q *OfflineQueue) ScheduleRetry(id string, reason string) (bool, error) {
	msg, err := q.Get(id)
	if err != nil {
		return false, err
	}

	if msg.RetryCount+1 >= q.cfg.MaxRetries {
		return false, q.MarkFailed(id, reason)
	}

	backoff := q.cfg.BaseBackoff << uint(msg.RetryCount)
	if backoff > q.cfg.MaxBackoff {
		backoff = q.cfg.MaxBackoff
	}
	next := time.Now().Add(backoff).Unix()

	_, err = q.db.db.Exec(
		`UPDATE queued_messages SET status = 'retrying', retry_count = retry_count + 1,
		        next_attempt_at = ?, fail_reason = ? WHERE message_id = ?`,
		next, reason, id)
	return true, err
}

// RetryFailed resets all failed messages for a fresh attempt sweep and
// returns how many were reset.
func (q *OfflineQueue) RetryFailed() (int, error) {
	result, err := q.db.db.Exec(
		`UPDATE queued_messages SET status = 'pending', retry_count = 0, next_attempt_at = 0, fail_reason = ''
		 WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ChangePriority updates a message's priority
func (q *OfflineQueue) ChangePriority(id string, p protocol.Priority) error {
	result, err := q.db.db.Exec(
		`UPDATE queued_messages SET priority = ? WHERE message_id = ?`, int(p), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a message outright, cancelling any pending retry
func (q *OfflineQueue) Remove(id string) error {
	result, err := q.db.db.Exec(`DELETE FROM queued_messages WHERE message_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeDelivered removes delivered rows older than the given age and
// returns how many were dropped.
func (q *OfflineQueue) PurgeDelivered(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := q.db.db.Exec(
		`DELETE FROM queued_messages WHERE status = 'delivered' AND queued_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// QueueStats summarizes queue occupancy for observability
type QueueStats struct {
	Pending   int `json:"pending"`
	Sending   int `json:"sending"`
	Retrying  int `json:"retrying"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Stats returns current queue statistics
func (q *OfflineQueue) Stats() (*QueueStats, error) {
	rows, err := q.db.db.Query(
		`SELECT status, COUNT(*) FROM queued_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch QueuedStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusSending:
			stats.Sending = count
		case StatusRetrying:
			stats.Retrying = count
		case StatusDelivered:
			stats.Delivered = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}
