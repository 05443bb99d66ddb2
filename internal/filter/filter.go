// Package filter maps subscriptions to the application/context id pairs
// they want to observe.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// IDSize is the maximum identifier length the wire format can carry.
const IDSize = 4

// MaxPairs caps the pairs per predicate, matching the daemon's own
// filter table limit.
const MaxPairs = 30

// Pair is one accepted (application id, context id) combination. An empty
// component is a wildcard.
type Pair struct {
	AppID     string `json:"apid"`
	ContextID string `json:"ctid"`
}

func (p Pair) matches(apid, ctid string) bool {
	return (p.AppID == "" || p.AppID == apid) && (p.ContextID == "" || p.ContextID == ctid)
}

func (p Pair) String() string {
	return fmt.Sprintf("(%s,%s)", p.AppID, p.ContextID)
}

// Predicate is a set of accepted pairs. The empty predicate matches every
// message.
type Predicate []Pair

// MatchAll is the predicate accepting every message.
var MatchAll = Predicate(nil)

// Matches reports whether a message with the given id pair passes.
func (p Predicate) Matches(apid, ctid string) bool {
	if len(p) == 0 {
		return true
	}
	for _, pair := range p {
		if pair.matches(apid, ctid) {
			return true
		}
	}
	return false
}

// Validate checks identifier lengths and the pair count limit.
func (p Predicate) Validate() error {
	if len(p) > MaxPairs {
		return fmt.Errorf("filter: %d pairs exceeds the maximum of %d", len(p), MaxPairs)
	}
	for _, pair := range p {
		if len(pair.AppID) > IDSize {
			return fmt.Errorf("filter: application id %q longer than %d bytes", pair.AppID, IDSize)
		}
		if len(pair.ContextID) > IDSize {
			return fmt.Errorf("filter: context id %q longer than %d bytes", pair.ContextID, IDSize)
		}
	}
	return nil
}

func (p Predicate) String() string {
	if len(p) == 0 {
		return "(*,*)"
	}
	parts := make([]string, len(p))
	for i, pair := range p {
		parts[i] = pair.String()
	}
	return strings.Join(parts, " ")
}

// Registry is the subscription-id to predicate mapping the dispatch path
// consults for every decoded message. Registration and matching may run
// concurrently.
type Registry struct {
	mu    sync.RWMutex
	next  uint64
	preds map[uint64]Predicate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{preds: make(map[uint64]Predicate)}
}

// Register stores a predicate and returns its subscription id.
func (r *Registry) Register(p Predicate) (uint64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.preds[id] = append(Predicate(nil), p...)
	return id, nil
}

// Unregister removes a subscription. Unknown ids are ignored.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.preds, id)
}

// Match returns the ids of every subscription interested in the given id
// pair, in ascending registration order. Linear in the subscription
// count, which stays in the tens in practice.
func (r *Registry) Match(apid, ctid string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []uint64
	for id, pred := range r.preds {
		if pred.Matches(apid, ctid) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.preds)
}

// Snapshot returns the current id to predicate mapping for status
// reporting.
func (r *Registry) Snapshot() map[uint64]Predicate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint64]Predicate, len(r.preds))
	for id, pred := range r.preds {
		out[id] = append(Predicate(nil), pred...)
	}
	return out
}
