// Package live fans committed message events out to per-channel subscribers,
// coalescing them into batches so a busy channel does not flood viewers.
package live

import (
	"sync"
	"time"

	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/metrics"
	"github.com/mymydata/internal/model"
)

const (
	DefaultWindow     = 500 * time.Millisecond
	DefaultBufferSize = 256
	batchBuffer       = 8
)

// Broadcaster delivers events published for a channel to every live
// subscription on that channel. Publish never blocks the caller.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	window     time.Duration
	bufferSize int
	closed     bool
}

func NewBroadcaster(window time.Duration, bufferSize int) *Broadcaster {
	if window <= 0 {
		window = DefaultWindow
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:       make(map[string]map[*Subscription]struct{}),
		window:     window,
		bufferSize: bufferSize,
	}
}

// Subscription receives the batches of one channel. Every batch is
// non-empty and keeps publish order.
type Subscription struct {
	b         *Broadcaster
	channelID string
	in        chan model.Event
	out       chan []model.Event
	done      chan struct{}
	once      sync.Once
}

// Subscribe opens a subscription on channelID. Events published before the
// call are not delivered. Subscribing to a closed broadcaster returns an
// already closed subscription.
func (b *Broadcaster) Subscribe(channelID string) *Subscription {
	s := &Subscription{
		b:         b,
		channelID: channelID,
		in:        make(chan model.Event, b.bufferSize),
		out:       make(chan []model.Event, batchBuffer),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		close(s.out)
		return s
	}
	if _, ok := b.subs[channelID]; !ok {
		b.subs[channelID] = make(map[*Subscription]struct{})
	}
	b.subs[channelID][s] = struct{}{}
	b.mu.Unlock()

	metrics.LiveSubscriptions.Inc()
	go s.run(b.window)
	return s
}

// Publish queues ev for every subscriber of its channel. A subscriber whose
// inbox is full misses the event; other subscribers are not affected.
func (b *Broadcaster) Publish(ev model.Event) {
	metrics.EventsPublished.Inc()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.Message.ChannelID] {
		select {
		case s.in <- ev:
		case <-s.done:
		default:
			metrics.EventsDropped.Inc()
			logger.Warnf("live: inbox full, dropped %s seq=%d channel=%s", ev.Kind, ev.Message.Sequence, ev.Message.ChannelID)
		}
	}
}

// Subscribers returns the number of open subscriptions on channelID.
func (b *Broadcaster) Subscribers(channelID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channelID])
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	all := make([]*Subscription, 0)
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[s.channelID]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.subs, s.channelID)
	}
	metrics.LiveSubscriptions.Dec()
}

// C returns the batch stream. It is closed once the subscription ends.
func (s *Subscription) C() <-chan []model.Event {
	return s.out
}

func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Close stops delivery. It is safe to call more than once and from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
		close(s.done)
	})
}

func (s *Subscription) run(window time.Duration) {
	defer close(s.out)
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	var pending []model.Event
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.in:
			pending = append(pending, ev)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			select {
			case s.out <- pending:
			default:
				metrics.BatchesDropped.Inc()
				logger.Warnf("live: subscriber on channel=%s is behind, dropped batch of %d", s.channelID, len(pending))
			}
			pending = nil
		}
	}
}
