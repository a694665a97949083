package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/reelsync/internal/collection"
	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
)

var _ collection.RemoteStore = (*Client)(nil)

// Collection is one user's named collection on the document store.
type Collection struct {
	client  *Client
	userID  string
	name    string
	orderBy string
}

var _ collection.RemoteCollection = (*Collection)(nil)

type listResponse struct {
	Docs []json.RawMessage `json:"docs"`
}

// Collection returns the remote collection name owned by userID, listed
// newest first by the orderBy timestamp field.
func (c *Client) Collection(userID, name, orderBy string) collection.RemoteCollection {
	return &Collection{client: c, userID: userID, name: name, orderBy: orderBy}
}

func (rc *Collection) docsPath() string {
	return "/v1/users/" + url.PathEscape(rc.userID) + "/collections/" + url.PathEscape(rc.name) + "/docs"
}

func (rc *Collection) token() (string, error) {
	token := rc.client.tokens.Token()
	if token == "" {
		return "", apperrors.ErrNotAuthenticated
	}

	return token, nil
}

// unavailable tags err as a remote failure on this collection.
func (rc *Collection) unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", apperrors.ErrRemoteUnavailable, op, rc.name, err)
}

// FetchAll returns every document, newest first.
func (rc *Collection) FetchAll(ctx context.Context) ([]json.RawMessage, error) {
	token, err := rc.token()
	if err != nil {
		return nil, rc.unavailable("fetching", err)
	}

	endpoint := rc.docsPath() + "?order_by=" + url.QueryEscape(rc.orderBy)

	body, err := rc.client.execute(func() ([]byte, error) {
		return rc.client.do(ctx, http.MethodGet, endpoint, token, nil)
	})
	if err != nil {
		return nil, rc.unavailable("fetching", err)
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, rc.unavailable("decoding", err)
	}

	if resp.Docs == nil {
		resp.Docs = []json.RawMessage{}
	}

	return resp.Docs, nil
}

// Upsert overwrites the document with the given id.
func (rc *Collection) Upsert(ctx context.Context, id string, doc json.RawMessage) error {
	token, err := rc.token()
	if err != nil {
		return rc.unavailable("writing", err)
	}

	endpoint := rc.docsPath() + "/" + url.PathEscape(id)

	_, err = rc.client.execute(func() ([]byte, error) {
		return rc.client.do(ctx, http.MethodPut, endpoint, token, doc)
	})
	if err != nil {
		return rc.unavailable("writing", err)
	}

	return nil
}

// Delete removes the document. A missing document is not an error.
func (rc *Collection) Delete(ctx context.Context, id string) error {
	token, err := rc.token()
	if err != nil {
		return rc.unavailable("deleting", err)
	}

	endpoint := rc.docsPath() + "/" + url.PathEscape(id)

	_, err = rc.client.execute(func() ([]byte, error) {
		return rc.client.do(ctx, http.MethodDelete, endpoint, token, nil)
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return rc.unavailable("deleting", err)
	}

	return nil
}

// Subscribe opens a live snapshot feed. ctx bounds only the first
// connection attempt.
func (rc *Collection) Subscribe(ctx context.Context, onSnapshot func([]json.RawMessage), onError func(error)) (collection.Subscription, error) {
	f := newFeed(rc, onSnapshot, onError)

	conn, err := f.connect(ctx)
	if err != nil {
		f.cancel()
		return nil, rc.unavailable("subscribing to", err)
	}

	go f.run(conn)

	return f, nil
}
