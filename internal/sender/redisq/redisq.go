// Package redisq hands notifications to bots through a Redis list.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/mickamy/notifybox"
)

// Queue pushes with LPUSH and pops with BRPOP, so the list behaves FIFO.
type Queue struct {
	rdb *r.Client
	key string
}

func New(rdb *r.Client, key string) *Queue { return &Queue{rdb: rdb, key: key} }

// Message is the JSON element stored in the list.
type Message struct {
	EntryID   int64            `json:"outbox_id"`
	Result    notifybox.Result `json:"result"`
	ReportURL string           `json:"report_url,omitempty"`
	QueuedAt  time.Time        `json:"queued_at"`
}

// Send implements notifybox.Sender.
func (q *Queue) Send(ctx context.Context, n notifybox.Notification) error {
	body, err := json.Marshal(Message{
		EntryID:   n.Entry.ID,
		Result:    n.Result,
		ReportURL: n.Result.ReportURL(),
		QueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", q.key, err)
	}
	return nil
}

// Receive blocks up to block for the next message. ok is false on timeout.
func (q *Queue) Receive(ctx context.Context, block time.Duration) (msg Message, ok bool, err error) {
	res, err := q.rdb.BRPop(ctx, block, q.key).Result()
	if errors.Is(err, r.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	if len(res) != 2 {
		return Message{}, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, false, fmt.Errorf("decode queued message: %w", err)
	}
	return msg, true, nil
}

// Len reports how many messages are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}
