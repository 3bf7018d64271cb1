package connectivity

import (
	"context"
	"sync"
)

// Reading is one observation of the network.
type Reading struct {
	// Connected means a network path exists.
	Connected bool
	// InternetReachable means the backend answered.
	InternetReachable bool
}

// Online reports whether both halves of the reading are true.
func (r Reading) Online() bool {
	return r.Connected && r.InternetReachable
}

// Provider is a source of reachability readings.
type Provider interface {
	// Fetch takes a reading now.
	Fetch(ctx context.Context) (Reading, error)
	// Subscribe registers f for readings that differ from the previous one.
	Subscribe(f func(Reading)) (unsubscribe func())
}

// notifier fans readings out to subscribers, dropping repeats.
type notifier struct {
	mu   sync.Mutex
	subs map[int]func(Reading)
	next int
	last Reading
	seen bool
}

// add registers f and reports whether it is the only subscriber.
func (n *notifier) add(f func(Reading)) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Reading))
	}
	id := n.next
	n.next++
	n.subs[id] = f
	return id, len(n.subs) == 1
}

// remove drops a subscriber and reports whether none remain.
func (n *notifier) remove(id int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, id)
	return len(n.subs) == 0
}

func (n *notifier) publish(r Reading) {
	n.mu.Lock()
	if n.seen && n.last == r {
		n.mu.Unlock()
		return
	}
	n.seen = true
	n.last = r
	subs := make([]func(Reading), 0, len(n.subs))
	for _, f := range n.subs {
		subs = append(subs, f)
	}
	n.mu.Unlock()

	for _, f := range subs {
		f(r)
	}
}

// Static is a Provider whose readings are set by hand.
type Static struct {
	notifier
	mu      sync.Mutex
	current Reading
	err     error
}

// NewStatic returns a provider reporting r.
func NewStatic(r Reading) *Static {
	return &Static{current: r}
}

// Fetch returns the last reading passed to Set, or the error from SetError.
func (s *Static) Fetch(context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.err
}

// Subscribe implements Provider.
func (s *Static) Subscribe(f func(Reading)) func() {
	id, _ := s.add(f)
	return func() { s.remove(id) }
}

// Set changes the reading and notifies subscribers if it differs.
func (s *Static) Set(r Reading) {
	s.mu.Lock()
	s.current = r
	s.err = nil
	s.mu.Unlock()
	s.publish(r)
}

// SetError makes Fetch fail until the next Set.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
