package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultFanoutWorkers = 16

// Broadcaster delivers events to every client in a registry snapshot and
// evicts clients whose send fails.
type Broadcaster struct {
	reg     *Registry
	logger  *slog.Logger
	workers int
}

func NewBroadcaster(reg *Registry, workers int, logger *slog.Logger) *Broadcaster {
	if workers <= 0 {
		workers = defaultFanoutWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{reg: reg, logger: logger, workers: workers}
}

// Broadcast encodes ev once and sends it to every client in the current
// snapshot. Failed clients are removed and closed after the pass.
func (b *Broadcaster) Broadcast(ev Event) {
	start := time.Now()
	kind := string(ev.Kind())

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encode event", "type", kind, "error", err)
		return
	}

	var (
		mu     sync.Mutex
		failed []*Client
	)
	var g errgroup.Group
	g.SetLimit(b.workers)
	for _, c := range b.reg.Snapshot() {
		g.Go(func() error {
			if err := c.Send(payload); err != nil {
				b.logger.Warn("send failed", "username", c.Username, "client_id", c.ID, "error", err)
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range failed {
		if b.reg.Remove(c) {
			EvictionsTotal.Inc()
		}
		_ = c.Close()
	}

	MessagesTotal.WithLabelValues(kind).Inc()
	BroadcastDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// BroadcastUserCount sends the registry size as read right now.
func (b *Broadcaster) BroadcastUserCount() {
	b.Broadcast(NewUserCountEvent(b.reg.Count()))
}

func (b *Broadcaster) BroadcastMessage(sender *Client, text string) {
	b.Broadcast(NewMessageEvent(text, sender.Username))
}
