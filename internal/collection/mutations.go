package collection

import (
	"context"
	"log/slog"
	"slices"
)

// Add prepends item. It returns false when the item has no id or the id
// is already present.
func (c *Controller[T]) Add(item T) bool {
	id := item.ItemID()
	if id == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(id) >= 0 {
		return false
	}

	if c.schema.Stamp != nil {
		c.schema.Stamp(&item, c.now())
	}

	c.items = slices.Insert(c.items, 0, item)
	c.saveLocalLocked()
	c.enqueueUpsertLocked(item)

	return true
}

// Remove deletes the item with the given id. It returns false when the
// id is absent.
func (c *Controller[T]) Remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return false
	}

	c.items = slices.Delete(c.items, i, i+1)
	c.saveLocalLocked()
	c.enqueueDeleteLocked(id)

	return true
}

// Update applies patch to a copy of the item, stamps updated_at and
// stores the result. It returns false when the id is absent, the
// collection does not support updates, or patch changes the id.
func (c *Controller[T]) Update(id int64, patch func(*T)) bool {
	if c.schema.Touch == nil || patch == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return false
	}

	item := c.items[i]
	patch(&item)

	if item.ItemID() != id {
		return false
	}

	c.schema.Touch(&item, c.now())
	c.items[i] = item
	c.saveLocalLocked()
	c.enqueueUpsertLocked(item)

	return true
}

// Clear empties the collection. While synced, every present item is
// deleted remotely one at a time before local state is cleared. If ctx
// ends part way, only the items whose remote delete completed are
// removed and ctx's error is returned. Remote failures are reported
// through Status and do not stop the local clear.
func (c *Controller[T]) Clear(ctx context.Context) error {
	c.mu.Lock()
	if !c.synced {
		for _, item := range c.items {
			c.stageLocked(item.ItemID(), pendingWrite[T]{deleted: true})
		}

		c.items = nil
		c.saveLocalLocked()
		c.mu.Unlock()

		return nil
	}

	gen := c.gen
	coll := c.coll

	ids := make([]int64, 0, len(c.items))
	seqs := make(map[int64]uint64, len(c.items))

	for _, item := range c.items {
		id := item.ItemID()
		c.seq++
		c.pending[id] = pendingWrite[T]{seq: c.seq, deleted: true}
		ids = append(ids, id)
		seqs[id] = c.seq
	}
	c.mu.Unlock()

	// Earlier queued writes must land first or they would recreate
	// documents behind the deletes.
	if err := c.Flush(ctx); err != nil {
		c.dropPending(gen, seqs)
		return err
	}

	cleared := make(map[int64]bool, len(ids))

	var ctxErr error

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}

		err := coll.Delete(ctx, docID(id))
		if err != nil {
			err = remoteError("delete", err)
			c.recordRemoteError(gen, err)
			c.logger.Warn("remote delete failed during clear",
				slog.Int64("id", id),
				slog.String("error", err.Error()),
			)
		}

		c.settle(gen, id, seqs[id], err)
		cleared[id] = true
	}

	c.mu.Lock()
	c.items = slices.DeleteFunc(c.items, func(item T) bool {
		return cleared[item.ItemID()]
	})
	c.saveLocalLocked()
	c.mu.Unlock()

	if ctxErr != nil {
		remaining := make(map[int64]uint64)
		for id, seq := range seqs {
			if !cleared[id] {
				remaining[id] = seq
			}
		}

		c.dropPending(gen, remaining)

		return ctxErr
	}

	c.logger.Info("collection cleared", slog.Int("items", len(ids)))

	return nil
}

func (c *Controller[T]) indexLocked(id int64) int {
	return slices.IndexFunc(c.items, func(item T) bool {
		return item.ItemID() == id
	})
}

// enqueueUpsertLocked mirrors item to the remote collection when synced.
// The local write has already happened.
func (c *Controller[T]) enqueueUpsertLocked(item T) {
	c.enqueueLocked(item.ItemID(), pendingWrite[T]{item: item})
}

func (c *Controller[T]) enqueueDeleteLocked(id int64) {
	c.enqueueLocked(id, pendingWrite[T]{deleted: true})
}

func (c *Controller[T]) enqueueLocked(id int64, p pendingWrite[T]) {
	if c.closed {
		return
	}

	if !c.synced {
		c.stageLocked(id, p)
		return
	}

	c.seq++
	p.seq = c.seq
	c.pending[id] = p
	c.pushLocked(id, p)
}

// stageLocked records a write made while InitWithUser runs. It masks the
// fetched and subscribed copies until pushStagedLocked queues it.
func (c *Controller[T]) stageLocked(id int64, p pendingWrite[T]) {
	if !c.loading || c.coll == nil {
		return
	}

	c.seq++
	p.seq = c.seq
	c.pending[id] = p
	c.unpushed[id] = struct{}{}
}

// pushStagedLocked queues the latest staged write of every id.
func (c *Controller[T]) pushStagedLocked() {
	for id := range c.unpushed {
		if p, ok := c.pending[id]; ok && !p.done {
			c.pushLocked(id, p)
		}
	}

	c.unpushed = make(map[int64]struct{})
}

func (c *Controller[T]) pushLocked(id int64, p pendingWrite[T]) {
	gen := c.gen
	coll := c.coll
	seq := p.seq

	if !p.deleted {
		item := p.item

		c.outbox.push(func(ctx context.Context) {
			err := c.upsert(ctx, coll, item)
			if err != nil {
				c.recordRemoteError(gen, err)
				c.logger.Warn("remote upsert failed", slog.Int64("id", id), slog.String("error", err.Error()))
			}

			c.settle(gen, id, seq, err)
		})

		return
	}

	c.outbox.push(func(ctx context.Context) {
		err := coll.Delete(ctx, docID(id))
		if err != nil {
			err = remoteError("delete", err)
			c.recordRemoteError(gen, err)
			c.logger.Warn("remote delete failed", slog.Int64("id", id), slog.String("error", err.Error()))
		}

		c.settle(gen, id, seq, err)
	})
}

// settle records the outcome of a remote write. A failed write stops
// masking snapshots; a successful one stays in the overlay until a
// snapshot confirms it. Superseded writes are ignored.
func (c *Controller[T]) settle(gen uint64, id int64, seq uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	p, ok := c.pending[id]
	if !ok || p.seq != seq {
		return
	}

	if err != nil {
		delete(c.pending, id)
		return
	}

	p.done = true
	c.pending[id] = p
}

func (c *Controller[T]) dropPending(gen uint64, seqs map[int64]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	for id, seq := range seqs {
		if p, ok := c.pending[id]; ok && p.seq == seq {
			delete(c.pending, id)
		}
	}
}
