package collection

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=collection

// LocalStore is the synchronous key-value medium that holds the offline
// copy of each collection. *state.State satisfies it.
type LocalStore interface {
	LoadList(namespace string) ([]byte, error)
	SaveList(namespace string, data []byte) error
}

// RemoteStore opens one user's named collection on the remote document
// store. orderBy names the timestamp field used for descending order.
type RemoteStore interface {
	Collection(userID, name, orderBy string) RemoteCollection
}

// RemoteCollection is a per-user document collection. Documents are
// keyed by the stringified item id.
type RemoteCollection interface {
	// FetchAll returns every document, newest first.
	FetchAll(ctx context.Context) ([]json.RawMessage, error)

	// Upsert overwrites the document with the given id. The store stamps
	// synced_at on the written copy.
	Upsert(ctx context.Context, id string, doc json.RawMessage) error

	// Delete removes the document. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Subscribe opens a live feed. onSnapshot receives the full ordered
	// list on attach and after every change, in emission order. ctx only
	// bounds the attach; the feed runs until the Subscription is closed.
	// An onError value wrapping ErrSubscriptionEnded is final: the feed
	// has stopped and will not reconnect.
	Subscribe(ctx context.Context, onSnapshot func([]json.RawMessage), onError func(error)) (Subscription, error)
}

// Subscription is a live feed handle. Close must be called exactly once;
// later calls are no-ops.
type Subscription interface {
	Close() error
}

// Identity reports the signed-in user, if any.
type Identity interface {
	CurrentUserID() (string, bool)
}
