// Package collection implements the offline-first engine behind every
// user collection (favorites, watchlist, ratings).
//
// A Controller owns the canonical in-memory list of one collection. It
// always writes through to the local store and, while a user is signed
// in, mirrors every mutation to that user's remote collection and keeps
// a live subscription that re-merges remote snapshots into the list.
// Merging is delegated to the reconcile package (remote wins by id).
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
	"github.com/alexjbarnes/reelsync/internal/reconcile"
)

// Schema describes one collection. The engine is otherwise identical for
// every collection.
type Schema[T reconcile.Item] struct {
	// Name is the remote collection name.
	Name string

	// Namespace is the local store key.
	Namespace string

	// OrderBy is the JSON name of the timestamp field items sort by.
	OrderBy string

	// Stamp sets the creation timestamp when an item is added.
	Stamp func(item *T, now time.Time)

	// Touch sets updated_at after an edit. Nil means the collection does
	// not support Update.
	Touch func(item *T, now time.Time)
}

// Deps are the collaborators a Controller is wired to.
type Deps struct {
	Local    LocalStore
	Remote   RemoteStore
	Identity Identity
	Logger   *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is a point-in-time view of the controller flags.
type Status struct {
	Loading     bool
	CloudSynced bool
	Err         error
}

// pendingWrite is a remote write issued but not yet reflected in a
// snapshot. Snapshots are overlaid with pending writes so a stale
// snapshot cannot undo a local mutation.
type pendingWrite[T reconcile.Item] struct {
	seq     uint64
	item    T
	deleted bool
	done    bool
}

// Controller is the generic collection engine.
type Controller[T reconcile.Item] struct {
	schema   Schema[T]
	local    LocalStore
	remote   RemoteStore
	identity Identity
	logger   *slog.Logger
	now      func() time.Time
	outbox   *outbox

	mu      sync.Mutex
	items   []T
	loading bool
	err     error
	synced  bool
	closed  bool
	sub     Subscription
	coll    RemoteCollection

	// gen identifies the current sign-in session. Callbacks and queued
	// operations from an older session compare against it and drop
	// their results.
	gen     uint64
	seq     uint64
	pending map[int64]pendingWrite[T]

	// unpushed holds ids mutated while InitWithUser runs. Their pending
	// writes are queued once the subscription is attached.
	unpushed map[int64]struct{}
}

// New creates a controller with an empty list. Call Init or
// InitWithUser to load data, and Close when done.
func New[T reconcile.Item](schema Schema[T], deps Deps) *Controller[T] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Controller[T]{
		schema:   schema,
		local:    deps.Local,
		remote:   deps.Remote,
		identity: deps.Identity,
		logger:   logger.With(slog.String("collection", schema.Name)),
		now:      now,
		outbox:   newOutbox(),
		pending:  make(map[int64]pendingWrite[T]),
		unpushed: make(map[int64]struct{}),
	}
}

// Name returns the collection name.
func (c *Controller[T]) Name() string {
	return c.schema.Name
}

// Init loads the local list into memory for anonymous use. It is a
// no-op while cloud sync is active.
func (c *Controller[T]) Init() {
	items := c.loadLocal()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synced {
		return
	}

	c.items = items
}

// InitWithUser runs the sign-in sequence for the current identity: merge
// the local list with a one-shot remote fetch, push local-only items,
// then attach the live subscription. A failed fetch or push is recorded
// in Status and treated as an empty remote. A failed subscribe is
// returned; the controller keeps working locally either way.
//
// Mutations made while the sequence runs win over the fetched copy and
// are pushed once the subscription is attached.
func (c *Controller[T]) InitWithUser(ctx context.Context) error {
	userID, ok := c.identity.CurrentUserID()
	if !ok {
		return apperrors.ErrNotAuthenticated
	}

	c.Cleanup()

	coll := c.remote.Collection(userID, c.schema.Name, c.schema.OrderBy)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: controller closed", c.schema.Name)
	}

	c.gen++
	gen := c.gen
	c.coll = coll
	c.loading = true
	c.err = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}()

	logger := c.logger.With(slog.String("user_id", userID))

	remote, err := c.fetchRemote(ctx, coll)
	if err != nil {
		c.recordRemoteError(gen, err)
		logger.Warn("remote fetch failed, treating remote as empty", slog.String("error", err.Error()))

		remote = nil
	}

	c.mu.Lock()
	if c.gen != gen {
		// Signed out (or signed in again) during the fetch.
		c.mu.Unlock()
		return nil
	}

	// Read the local list only now, under the lock, so mutations made
	// during the fetch are part of the merge. Their staged writes mask
	// the fetched copies.
	local := c.loadLocal()
	remote = c.overlayLocked(remote)
	merged := reconcile.Merge(local, remote)
	localOnly := reconcile.DiffLocalOnly(local, remote)

	c.items = merged
	c.saveLocalLocked()
	c.mu.Unlock()

	for _, conflict := range reconcile.Conflicts(local, remote) {
		logger.Warn("local copy differs from remote, keeping remote",
			slog.Int64("id", conflict.ID),
			slog.String("patch", conflict.Patch),
		)
	}

	for _, item := range localOnly {
		if err := c.upsert(ctx, coll, item); err != nil {
			c.recordRemoteError(gen, err)
			logger.Warn("pushing local item failed",
				slog.Int64("id", item.ItemID()),
				slog.String("error", err.Error()),
			)
		}
	}

	sub, err := coll.Subscribe(ctx,
		func(docs []json.RawMessage) { c.applySnapshot(gen, docs) },
		func(err error) {
			c.recordRemoteError(gen, remoteError("subscription", err))
			logger.Warn("subscription error", slog.String("error", err.Error()))

			if errors.Is(err, apperrors.ErrSubscriptionEnded) {
				c.endSync(gen)
			}
		},
	)
	if err != nil {
		err = remoteError("subscribe", err)
		c.recordRemoteError(gen, err)

		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		// Signed out (or closed) while attaching.
		c.mu.Unlock()
		_ = sub.Close()

		return nil
	}

	c.sub = sub
	c.synced = true
	staged := len(c.unpushed)
	c.pushStagedLocked()
	c.mu.Unlock()

	logger.Info("cloud sync started",
		slog.Int("items", len(merged)),
		slog.Int("pushed", len(localOnly)),
		slog.Int("staged", staged),
	)

	return nil
}

// Cleanup stops cloud sync: the subscription is closed and remote
// mirroring stops. The in-memory and local lists are kept as the new
// offline baseline. Remote calls already queued still run, but their
// outcome no longer affects this controller.
func (c *Controller[T]) Cleanup() {
	c.mu.Lock()
	sub := c.sub
	wasSynced := c.synced
	c.sub = nil
	c.coll = nil
	c.synced = false
	c.gen++
	c.pending = make(map[int64]pendingWrite[T])
	c.unpushed = make(map[int64]struct{})
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Debug("closing subscription", slog.String("error", err.Error()))
		}
	}

	if wasSynced {
		c.logger.Info("cloud sync stopped")
	}
}

// endSync stops cloud sync after the subscription of session gen ended
// for good, typically because the token expired. It runs on the feed's
// own goroutine, so the handle is released asynchronously.
func (c *Controller[T]) endSync(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	sub := c.sub
	c.sub = nil
	c.coll = nil
	c.synced = false
	c.gen++
	c.pending = make(map[int64]pendingWrite[T])
	c.unpushed = make(map[int64]struct{})
	c.mu.Unlock()

	c.logger.Warn("subscription ended, cloud sync stopped")

	if sub != nil {
		go func() { _ = sub.Close() }()
	}
}

// Flush waits until every queued remote call has finished.
func (c *Controller[T]) Flush(ctx context.Context) error {
	return c.outbox.flush(ctx)
}

// Close stops cloud sync, drains queued remote calls and releases the
// outbox worker. The controller must not be used afterwards.
func (c *Controller[T]) Close() {
	c.Cleanup()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.mu.Unlock()

	c.outbox.close()
}

// Status returns the loading, sync and error flags.
func (c *Controller[T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{Loading: c.loading, CloudSynced: c.synced, Err: c.err}
}

// ClearError resets the error reported by Status.
func (c *Controller[T]) ClearError() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
}

// applySnapshot re-merges the local list with a remote snapshot. Pending
// writes are overlaid on the snapshot first.
func (c *Controller[T]) applySnapshot(gen uint64, docs []json.RawMessage) {
	remote := c.decode(docs)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	local := c.loadLocal()
	c.items = reconcile.Merge(local, c.overlayLocked(remote))
	c.saveLocalLocked()

	c.logger.Debug("snapshot applied",
		slog.Int("remote", len(remote)),
		slog.Int("items", len(c.items)),
	)
}

// overlayLocked applies pending writes to a snapshot and forgets the
// completed ones the snapshot already reflects: a finished delete once
// the id is gone, a finished upsert once the id is present.
func (c *Controller[T]) overlayLocked(remote []T) []T {
	if len(c.pending) == 0 {
		return remote
	}

	present := make(map[int64]bool, len(remote))
	out := make([]T, 0, len(remote))

	for _, item := range remote {
		id := item.ItemID()
		present[id] = true

		p, ok := c.pending[id]
		switch {
		case !ok:
			out = append(out, item)
		case p.deleted:
			// hidden until the delete lands
		default:
			out = append(out, p.item)
		}
	}

	for id, p := range c.pending {
		if !p.deleted && !present[id] {
			out = append(out, p.item)
		}

		if p.done && present[id] != p.deleted {
			delete(c.pending, id)
		}
	}

	return out
}

func (c *Controller[T]) fetchRemote(ctx context.Context, coll RemoteCollection) ([]T, error) {
	docs, err := coll.FetchAll(ctx)
	if err != nil {
		return nil, remoteError("fetch", err)
	}

	return c.decode(docs), nil
}

func (c *Controller[T]) upsert(ctx context.Context, coll RemoteCollection, item T) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item %d: %w", item.ItemID(), err)
	}

	if err := coll.Upsert(ctx, docID(item.ItemID()), doc); err != nil {
		return remoteError("upsert", err)
	}

	return nil
}

// decode converts remote documents to items, skipping documents that do
// not decode or have no id.
func (c *Controller[T]) decode(docs []json.RawMessage) []T {
	items := make([]T, 0, len(docs))

	for _, doc := range docs {
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			c.logger.Warn("skipping undecodable remote document", slog.String("error", err.Error()))
			continue
		}

		if item.ItemID() == 0 {
			c.logger.Warn("skipping remote document without id")
			continue
		}

		items = append(items, item)
	}

	return items
}

// loadLocal reads the offline list. Missing, unreadable or corrupt data
// yields an empty list.
func (c *Controller[T]) loadLocal() []T {
	data, err := c.local.LoadList(c.schema.Namespace)
	if err != nil {
		c.logger.Warn("loading local list",
			slog.String("error", fmt.Errorf("%w: %w", apperrors.ErrLocalStore, err).Error()),
		)

		return nil
	}

	if len(data) == 0 {
		return nil
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		c.logger.Warn("local list is corrupt, starting empty",
			slog.String("namespace", c.schema.Namespace),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return reconcile.Dedupe(items)
}

// saveLocalLocked writes the in-memory list to the local store. Failures
// are logged and swallowed; memory stays authoritative for the session.
func (c *Controller[T]) saveLocalLocked() {
	items := c.items
	if items == nil {
		items = []T{}
	}

	data, err := json.Marshal(items)
	if err != nil {
		c.logger.Warn("encoding local list", slog.String("error", err.Error()))
		return
	}

	if err := c.local.SaveList(c.schema.Namespace, data); err != nil {
		c.logger.Warn("saving local list",
			slog.String("error", fmt.Errorf("%w: %w", apperrors.ErrLocalStore, err).Error()),
		)
	}
}

// recordRemoteError stores err in Status unless the session it belongs
// to has ended.
func (c *Controller[T]) recordRemoteError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.gen {
		c.err = err
	}
}

func remoteError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrRemoteUnavailable, op, err)
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}
