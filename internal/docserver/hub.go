package docserver

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// subscriber is one live snapshot feed. latest holds at most one pending
// snapshot; a newer one replaces it, so slow readers only ever see the
// most recent state.
type subscriber struct {
	id      string
	key     string
	orderBy string
	latest  chan []json.RawMessage
}

// Hub tracks live subscribers per user collection.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]*subscriber)}
}

func hubKey(uid, collection string) string {
	return uid + "/" + collection
}

func (h *Hub) add(uid, collection, orderBy string) *subscriber {
	s := &subscriber{
		id:      uuid.NewString(),
		key:     hubKey(uid, collection),
		orderBy: orderBy,
		latest:  make(chan []json.RawMessage, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[s.key] == nil {
		h.subs[s.key] = make(map[string]*subscriber)
	}

	h.subs[s.key][s.id] = s
	subscribersActive.Inc()

	return s
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s.key][s.id]; !ok {
		return
	}

	delete(h.subs[s.key], s.id)
	if len(h.subs[s.key]) == 0 {
		delete(h.subs, s.key)
	}

	subscribersActive.Dec()
}

// Count returns the number of live subscribers across all collections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, m := range h.subs {
		n += len(m)
	}

	return n
}

// publish hands a fresh snapshot to every subscriber of the collection.
// list is called once per distinct order-by field.
func (h *Hub) publish(uid, collection string, list func(orderBy string) ([]json.RawMessage, error)) error {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[hubKey(uid, collection)]))
	for _, s := range h.subs[hubKey(uid, collection)] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	lists := make(map[string][]json.RawMessage)

	for _, s := range subs {
		docs, ok := lists[s.orderBy]
		if !ok {
			var err error

			docs, err = list(s.orderBy)
			if err != nil {
				return err
			}

			lists[s.orderBy] = docs
		}

		s.offer(docs)
	}

	return nil
}

// offer replaces any undelivered snapshot with docs.
func (s *subscriber) offer(docs []json.RawMessage) {
	for {
		select {
		case s.latest <- docs:
			return
		default:
		}

		select {
		case <-s.latest:
			snapshotsCoalesced.Inc()
		default:
		}
	}
}
