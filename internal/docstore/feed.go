package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
)

//go:generate mockgen -source=feed.go -destination=mock_wsconn_test.go -package=docstore

const (
	// reconnectMin and reconnectMax bound the resubscribe backoff.
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// dialTimeout bounds one resubscribe attempt.
	dialTimeout = 30 * time.Second

	// pingInterval is how often an idle feed checks the connection.
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second

	// maxFrameBytes caps one snapshot frame. The websocket default of
	// 32 KiB is far below a full collection listing.
	maxFrameBytes = 16 << 20
)

// wsConn abstracts the websocket connection so the feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, u string, header http.Header) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("dialing websocket: %w", apperrors.ErrInvalidToken)
			case http.StatusForbidden:
				return nil, fmt.Errorf("dialing websocket: %w", apperrors.ErrForbidden)
			case http.StatusNotFound:
				return nil, fmt.Errorf("dialing websocket: %w", apperrors.ErrNotFound)
			}
		}

		return nil, &TransientError{Err: fmt.Errorf("dialing websocket: %w", err)}
	}

	return conn, nil
}

type frame struct {
	Op      string            `json:"op"`
	Docs    []json.RawMessage `json:"docs"`
	Message string            `json:"message"`
}

// feed is a live subscription. A single goroutine reads frames and
// calls onSnapshot, so snapshots arrive in the order the server sent
// them. Connection loss is reported through onError and followed by a
// resubscribe with backoff; the server sends a fresh full snapshot on
// every attach.
type feed struct {
	coll       *Collection
	onSnapshot func([]json.RawMessage)
	onError    func(error)
	logger     *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newFeed(rc *Collection, onSnapshot func([]json.RawMessage), onError func(error)) *feed {
	ctx, cancel := context.WithCancel(context.Background())

	return &feed{
		coll:       rc,
		onSnapshot: onSnapshot,
		onError:    onError,
		logger: rc.client.logger.With(
			slog.String("collection", rc.name),
			slog.String("user_id", rc.userID),
		),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *feed) url() string {
	rc := f.coll
	return rc.client.wsURL + "/v1/users/" + url.PathEscape(rc.userID) + "/collections/" +
		url.PathEscape(rc.name) + "/subscribe?order_by=" + url.QueryEscape(rc.orderBy)
}

// connect dials a fresh websocket with the current token.
func (f *feed) connect(ctx context.Context) (wsConn, error) {
	token, err := f.coll.token()
	if err != nil {
		return nil, err
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, err := f.coll.client.dial(ctx, f.url(), header)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxFrameBytes)
	f.logger.Debug("subscription attached")

	return conn, nil
}

// run owns the connection until the feed is closed or a resubscribe
// fails permanently. A permanent failure is the last callback and its
// error wraps ErrSubscriptionEnded.
func (f *feed) run(conn wsConn) {
	defer close(f.done)

	c := f.coll.client
	backoff := c.reconnectMin

	for {
		err := f.readLoop(conn)
		conn.Close(websocket.StatusNormalClosure, "bye")

		if f.ctx.Err() != nil {
			return
		}

		f.onError(fmt.Errorf("%w: subscription to %s lost: %w", apperrors.ErrRemoteUnavailable, f.coll.name, err))
		f.logger.Warn("subscription lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		for {
			if !f.sleep(backoff) {
				return
			}

			dctx, cancel := context.WithTimeout(f.ctx, dialTimeout)
			conn, err = f.connect(dctx)
			cancel()

			if err == nil {
				break
			}

			if f.ctx.Err() != nil {
				return
			}

			if isPermanent(err) {
				f.logger.Error("resubscribe failed permanently", slog.String("error", err.Error()))
				f.onError(fmt.Errorf("%w: %w: resubscribing to %s: %w",
					apperrors.ErrRemoteUnavailable, apperrors.ErrSubscriptionEnded, f.coll.name, err))

				return
			}

			f.logger.Warn("resubscribe failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, c.reconnectMax)
		}

		backoff = c.reconnectMin

		f.logger.Info("resubscribed")
	}
}

// sleep waits out backoff plus jitter. It returns false when the feed
// was closed meanwhile.
func (f *feed) sleep(backoff time.Duration) bool {
	wait := backoff
	if n := int64(backoff) / jitterDivisor; n > 0 {
		wait += time.Duration(rand.Int64N(n)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-f.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// isPermanent reports errors a resubscribe cannot recover from.
func isPermanent(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidToken) ||
		errors.Is(err, apperrors.ErrForbidden) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrNotAuthenticated)
}

// readLoop delivers frames until the connection fails or the feed is
// closed.
func (f *feed) readLoop(conn wsConn) error {
	connCtx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	go f.keepAlive(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			f.logger.Warn("malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch fr.Op {
		case "snapshot":
			docs := fr.Docs
			if docs == nil {
				docs = []json.RawMessage{}
			}

			f.onSnapshot(docs)

		case "error":
			f.onError(fmt.Errorf("%w: %s", apperrors.ErrRemoteUnavailable, fr.Message))

		default:
			f.logger.Debug("ignoring frame", slog.String("op", fr.Op))
		}
	}
}

// keepAlive pings the server while the connection is idle. A failed
// ping closes the connection, which ends readLoop.
func (f *feed) keepAlive(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil && ctx.Err() == nil {
				f.logger.Debug("ping failed", slog.String("error", err.Error()))
				conn.Close(websocket.StatusGoingAway, "ping timeout")

				return
			}
		}
	}
}

// Close stops the feed. No callback runs after Close returns. Later
// calls are no-ops.
func (f *feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
	})

	return nil
}
