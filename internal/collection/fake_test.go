package collection

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

type testItem struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Overview  string `json:"overview,omitempty"`
	Score     int    `json:"score,omitempty"`
	AddedAt   string `json:"added_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
	SyncedAt  string `json:"synced_at,omitempty"`
}

func (i testItem) ItemID() int64 { return i.ID }

func (i testItem) Timestamp() time.Time {
	t, _ := time.Parse(time.RFC3339, i.AddedAt)
	return t
}

func at(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func item(id int64, title string, sec int64) testItem {
	return testItem{ID: id, Title: title, AddedAt: at(sec)}
}

func ids(items []testItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}

	return out
}

func testSchema() Schema[testItem] {
	return Schema[testItem]{
		Name:      "favorites",
		Namespace: "test-favorites",
		OrderBy:   "added_at",
		Stamp: func(i *testItem, now time.Time) {
			i.AddedAt = now.UTC().Format(time.RFC3339)
		},
		Touch: func(i *testItem, now time.Time) {
			i.UpdatedAt = now.UTC().Format(time.RFC3339)
		},
	}
}

// tickClock advances one second per call, starting well after the
// timestamps fixtures use.
func tickClock() func() time.Time {
	var mu sync.Mutex

	now := time.Unix(1000, 0)

	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		now = now.Add(time.Second)

		return now
	}
}

// --- local store ---

type memLocal struct {
	mu      sync.Mutex
	data    map[string][]byte
	loadErr error
	saveErr error
}

func newMemLocal() *memLocal {
	return &memLocal{data: make(map[string][]byte)}
}

func (m *memLocal) LoadList(namespace string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}

	return slices.Clone(m.data[namespace]), nil
}

func (m *memLocal) SaveList(namespace string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}

	m.data[namespace] = slices.Clone(data)

	return nil
}

func (m *memLocal) seed(t *testing.T, namespace string, items ...testItem) {
	t.Helper()

	data, err := json.Marshal(items)
	if err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	m.data[namespace] = data
	m.mu.Unlock()
}

func (m *memLocal) items(t *testing.T, namespace string) []testItem {
	t.Helper()

	m.mu.Lock()
	data := m.data[namespace]
	m.mu.Unlock()

	var out []testItem
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
	}

	return out
}

// --- identity ---

type fakeIdentity struct {
	mu  sync.Mutex
	uid string
}

func (f *fakeIdentity) CurrentUserID() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uid, f.uid != ""
}

func (f *fakeIdentity) set(uid string) {
	f.mu.Lock()
	f.uid = uid
	f.mu.Unlock()
}

// --- remote store ---

// fakeRemote is an in-memory document store. Snapshots are only
// delivered when the test calls emit, apart from the initial one on
// subscribe.
type fakeRemote struct {
	mu      sync.Mutex
	docs    map[string]map[string]json.RawMessage
	subs    map[string][]*fakeSub
	gate    chan struct{}
	fetches int
	upserts []string
	deletes []string

	upsertErr error

	// onFetch and onSubscribe run before the call is served, outside
	// the store lock.
	onFetch     func()
	onSubscribe func()
}

type fakeSub struct {
	onSnapshot func([]json.RawMessage)
	onError    func(error)

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

type fakeCollection struct {
	r       *fakeRemote
	key     string
	orderBy string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs: make(map[string]map[string]json.RawMessage),
		subs: make(map[string][]*fakeSub),
	}
}

func (r *fakeRemote) Collection(userID, name, orderBy string) RemoteCollection {
	return &fakeCollection{r: r, key: userID + "/" + name, orderBy: orderBy}
}

func (r *fakeRemote) seed(t *testing.T, userID, name string, items ...testItem) {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	key := userID + "/" + name
	if r.docs[key] == nil {
		r.docs[key] = make(map[string]json.RawMessage)
	}

	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			t.Fatal(err)
		}

		r.docs[key][docID(it.ID)] = data
	}
}

func (r *fakeRemote) remove(userID, name string, id int64) {
	r.mu.Lock()
	delete(r.docs[userID+"/"+name], docID(id))
	r.mu.Unlock()
}

func (r *fakeRemote) stored(t *testing.T, userID, name string) []testItem {
	t.Helper()

	r.mu.Lock()
	docs := r.orderedLocked(userID+"/"+name, "added_at")
	r.mu.Unlock()

	out := make([]testItem, 0, len(docs))

	for _, doc := range docs {
		var it testItem
		if err := json.Unmarshal(doc, &it); err != nil {
			t.Fatal(err)
		}

		out = append(out, it)
	}

	return out
}

// emit delivers the current ordered list to every open subscriber of the
// collection.
func (r *fakeRemote) emit(userID, name string) {
	key := userID + "/" + name

	r.mu.Lock()
	docs := r.orderedLocked(key, "added_at")
	subs := slices.Clone(r.subs[key])
	r.mu.Unlock()

	for _, s := range subs {
		if !s.isClosed() {
			s.onSnapshot(docs)
		}
	}
}

func (r *fakeRemote) hold() {
	r.mu.Lock()
	r.gate = make(chan struct{})
	r.mu.Unlock()
}

func (r *fakeRemote) release() {
	r.mu.Lock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
	r.mu.Unlock()
}

func (r *fakeRemote) wait(ctx context.Context) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()

	if gate == nil {
		return nil
	}

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRemote) orderedLocked(key, orderBy string) []json.RawMessage {
	docs := make([]json.RawMessage, 0, len(r.docs[key]))
	for _, doc := range r.docs[key] {
		docs = append(docs, doc)
	}

	slices.SortStableFunc(docs, func(a, b json.RawMessage) int {
		ta := gjson.GetBytes(a, orderBy).String()
		tb := gjson.GetBytes(b, orderBy).String()

		switch {
		case ta > tb:
			return -1
		case ta < tb:
			return 1
		default:
			return int(gjson.GetBytes(a, "id").Int() - gjson.GetBytes(b, "id").Int())
		}
	})

	return docs
}

func (c *fakeCollection) FetchAll(_ context.Context) ([]json.RawMessage, error) {
	if c.r.onFetch != nil {
		c.r.onFetch()
	}

	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	c.r.fetches++

	return c.r.orderedLocked(c.key, c.orderBy), nil
}

func (c *fakeCollection) Upsert(ctx context.Context, id string, doc json.RawMessage) error {
	if err := c.r.wait(ctx); err != nil {
		return err
	}

	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	if c.r.upsertErr != nil {
		return c.r.upsertErr
	}

	if c.r.docs[c.key] == nil {
		c.r.docs[c.key] = make(map[string]json.RawMessage)
	}

	c.r.docs[c.key][id] = slices.Clone(doc)
	c.r.upserts = append(c.r.upserts, id)

	return nil
}

func (c *fakeCollection) Delete(ctx context.Context, id string) error {
	if err := c.r.wait(ctx); err != nil {
		return err
	}

	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	delete(c.r.docs[c.key], id)
	c.r.deletes = append(c.r.deletes, id)

	return nil
}

func (c *fakeCollection) Subscribe(_ context.Context, onSnapshot func([]json.RawMessage), onError func(error)) (Subscription, error) {
	if c.r.onSubscribe != nil {
		c.r.onSubscribe()
	}

	s := &fakeSub{onSnapshot: onSnapshot, onError: onError}

	c.r.mu.Lock()
	c.r.subs[c.key] = append(c.r.subs[c.key], s)
	docs := c.r.orderedLocked(c.key, c.orderBy)
	c.r.mu.Unlock()

	onSnapshot(docs)

	return s, nil
}

func (r *fakeRemote) calls() (upserts, deletes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.upserts), slices.Clone(r.deletes)
}

func (r *fakeRemote) lastSub(userID, name string) *fakeSub {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[userID+"/"+name]
	if len(subs) == 0 {
		return nil
	}

	return subs[len(subs)-1]
}
