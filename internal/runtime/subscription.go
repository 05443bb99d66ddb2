package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	dltpkg "github.com/drblury/dltstream/internal/dlt"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	filterpkg "github.com/drblury/dltstream/internal/filter"
)

// DefaultQueueSize bounds a subscription's buffer when the configuration
// does not override it.
const DefaultQueueSize = 1000

// Subscription delivers the broker's decoded messages that match its
// predicate. The buffer is bounded: when a consumer falls behind, new
// messages are dropped and counted rather than blocking ingestion.
type Subscription struct {
	id     uint64
	name   string
	pred   filterpkg.Predicate
	broker *Broker

	ch     chan *dltpkg.Message
	closed atomic.Bool
	once   sync.Once

	received uint64
	dropped  uint64
}

// ID returns the subscription's registry identifier.
func (s *Subscription) ID() uint64 { return s.id }

// Name returns the queue name used in drop metrics.
func (s *Subscription) Name() string { return s.name }

// Filter returns the predicate this subscription was registered with.
func (s *Subscription) Filter() filterpkg.Predicate { return s.pred }

// Messages returns the channel messages are delivered on. The channel is
// closed when the subscription is closed.
func (s *Subscription) Messages() <-chan *dltpkg.Message { return s.ch }

// Received returns how many messages were delivered into the buffer.
func (s *Subscription) Received() uint64 { return atomic.LoadUint64(&s.received) }

// Dropped returns how many messages were discarded because the buffer
// was full.
func (s *Subscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Depth returns the current number of buffered messages.
func (s *Subscription) Depth() int { return len(s.ch) }

// WaitFor blocks until count messages have been received or the timeout
// elapses. It returns the messages collected so far; a timeout is not an
// error, the partial batch (possibly empty) comes back with a nil error.
// If the subscription closes first the partial batch is returned with
// ErrSubscriptionClosed.
func (s *Subscription) WaitFor(count int, timeout time.Duration) ([]*dltpkg.Message, error) {
	if count <= 0 {
		return nil, nil
	}

	collected := make([]*dltpkg.Message, 0, count)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(collected) < count {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return collected, errspkg.ErrSubscriptionClosed
			}
			collected = append(collected, msg)
		case <-timer.C:
			return collected, nil
		}
	}
	return collected, nil
}

// Close detaches the subscription from the broker and closes the message
// channel. Buffered messages already delivered remain readable. Close is
// idempotent.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.broker != nil {
			s.broker.removeSubscription(s)
		}
		close(s.ch)
	})
	return nil
}

// deliver attempts a non-blocking send. A full buffer drops the message.
func (s *Subscription) deliver(msg *dltpkg.Message) bool {
	select {
	case s.ch <- msg:
		atomic.AddUint64(&s.received, 1)
		return true
	default:
		atomic.AddUint64(&s.dropped, 1)
		return false
	}
}

// SubscriptionInfo is the snapshot form exposed by the WebUI.
type SubscriptionInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Filter   string `json:"filter"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
}

func (s *Subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:       s.id,
		Name:     s.name,
		Filter:   s.pred.String(),
		Depth:    len(s.ch),
		Capacity: cap(s.ch),
		Received: s.Received(),
		Dropped:  s.Dropped(),
	}
}

func subscriptionName(id uint64) string {
	return fmt.Sprintf("sub-%d", id)
}
