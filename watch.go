package chronodb

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

// ChangeOp names the operation a changeEvent records, per spec §4.10.
type ChangeOp int

const (
	OpInsert ChangeOp = iota
	OpUpdate
	OpDelete
)

func (o ChangeOp) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// changeEvent is what a committed transaction hands to every matching
// subscriber: {collection, op, _id, document-or-null, timestamp}.
type changeEvent struct {
	Collection string
	Op         ChangeOp
	ID         string
	Doc        Document
	At         time.Time
}

// watchQueueCapacity bounds each subscriber's pending-event channel;
// once full the subscriber is considered lagging and further events
// for it are dropped rather than blocking the committing writer, per
// spec §4.10's "bounded queue ... drops events ... sets an overflow
// flag".
const watchQueueCapacity = 256

// Subscription is the caller-visible handle returned by Watch. Events
// arrive on C; Overflowed reports (without blocking) whether events
// were dropped since the previous call to Overflowed. Close
// unregisters the filter — dropping the handle without calling Close
// leaves it registered, so callers that only let it go out of scope
// should call Close in a defer.
type Subscription struct {
	id      uuid.UUID
	hub     *subscriptionHub
	coll    string
	ops     map[ChangeOp]bool
	C       <-chan changeEvent
	c       chan changeEvent
	dropped uint64
	mu      sync.Mutex
}

// Overflowed reports and clears whether this subscription has dropped
// any events since the last call.
func (s *Subscription) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped == 0 {
		return false
	}
	s.dropped = 0
	return true
}

// Close unregisters the subscription; C is closed and no further
// events arrive on it.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

func (s *Subscription) matches(ev changeEvent) bool {
	if s.coll != "" && s.coll != ev.Collection {
		return false
	}
	if len(s.ops) > 0 && !s.ops[ev.Op] {
		return false
	}
	return true
}

func (s *Subscription) deliver(ev changeEvent) {
	select {
	case s.c <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// shed drains every event currently buffered for s, counting each as
// dropped. publish calls it when ristretto drops the subscriber's
// cost update.
func (s *Subscription) shed() {
	var n uint64
	for {
		select {
		case <-s.c:
			n++
		default:
			if n > 0 {
				s.mu.Lock()
				s.dropped += n
				s.mu.Unlock()
			}
			return
		}
	}
}

// subscriptionHub fans out committed change events to every
// registered Subscription whose filter matches, per spec §4.10.
// Delivery is non-blocking per subscriber (deliver above). Each
// publish also reports the subscriber's current queue depth to a
// ristretto cache as that subscriber's cost; when ristretto's Set
// reports the update as dropped (its internal set buffer was full),
// that subscriber's queue is shed on the spot (see publish).
// ristretto's TinyLFU admission runs later and its outcome is not
// consulted.
type subscriptionHub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription

	pressure *ristretto.Cache[string, int]
}

func newSubscriptionHub() *subscriptionHub {
	c, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 1e4,
		MaxCost:     1e6,
		BufferItems: 64,
	})
	if err != nil {
		// Config above is static and valid; a construction error here
		// would mean ristretto itself rejected it, which only a
		// packaging mismatch could cause, so fail loudly rather than
		// silently run without backpressure accounting.
		panic("chronodb: ristretto cache construction: " + err.Error())
	}
	return &subscriptionHub{subs: make(map[uuid.UUID]*Subscription), pressure: c}
}

// subscribe registers a new Subscription for coll (empty matches
// every collection) and ops (empty matches every operation kind).
func (h *subscriptionHub) subscribe(coll string, ops ...ChangeOp) *Subscription {
	opSet := make(map[ChangeOp]bool, len(ops))
	for _, o := range ops {
		opSet[o] = true
	}
	ch := make(chan changeEvent, watchQueueCapacity)
	sub := &Subscription{
		id:   uuid.New(),
		coll: coll,
		ops:  opSet,
		C:    ch,
		c:    ch,
	}
	sub.hub = h
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (h *subscriptionHub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		h.pressure.Del(id.String())
		close(sub.c)
	}
}

// publish fans events out to every matching subscriber, then reports
// each subscriber's resulting queue depth to ristretto as its cost.
// A subscriber whose new-entry Set returns false (ristretto dropped
// the write) has its backlog shed immediately.
func (h *subscriptionHub) publish(events []changeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		for _, ev := range events {
			if sub.matches(ev) {
				sub.deliver(ev)
			}
		}
		depth := len(sub.c)
		if depth > 0 && !h.pressure.Set(sub.id.String(), depth, int64(depth)) {
			sub.shed()
		}
	}
}

// Watch registers a change-stream subscription against the database,
// per spec §4.10. coll == "" matches every collection; ops == nil
// matches every operation kind.
func (db *DB) Watch(coll string, ops ...ChangeOp) *Subscription {
	return db.hub.subscribe(coll, ops...)
}
