package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
)

// scriptedDialer hands out prepared connections in order. Once the
// script is exhausted every dial fails with exhausted.
type scriptedDialer struct {
	mu        sync.Mutex
	conns     []wsConn
	errs      []error
	urls      []string
	headers   []http.Header
	exhausted error
}

func (d *scriptedDialer) dial(_ context.Context, u string, header http.Header) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, u)
	d.headers = append(d.headers, header)

	if len(d.conns) == 0 {
		return nil, d.exhausted
	}

	conn, err := d.conns[0], d.errs[0]
	d.conns, d.errs = d.conns[1:], d.errs[1:]

	return conn, err
}

func (d *scriptedDialer) then(conn wsConn, err error) *scriptedDialer {
	d.conns = append(d.conns, conn)
	d.errs = append(d.errs, err)

	return d
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.urls)
}

func feedClient(t *testing.T, d *scriptedDialer) *Client {
	t.Helper()

	c := newTestClient(t, "http://docs.test", TokenFunc(func() string { return "tok" }))
	c.dial = d.dial
	c.reconnectMin = time.Millisecond
	c.reconnectMax = 4 * time.Millisecond

	return c
}

func snapshotFrame(docs ...string) []byte {
	raw := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		raw[i] = json.RawMessage(d)
	}

	data, _ := json.Marshal(frame{Op: "snapshot", Docs: raw})

	return data
}

func readReturns(data []byte) func(context.Context) (websocket.MessageType, []byte, error) {
	return func(context.Context) (websocket.MessageType, []byte, error) {
		return websocket.MessageText, data, nil
	}
}

func blockUntilDone(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

// liveConn expects one attach, then the given reads, then blocks until
// the feed closes it.
func liveConn(ctrl *gomock.Controller, reads ...[]byte) *MockwsConn {
	conn := NewMockwsConn(ctrl)
	conn.EXPECT().SetReadLimit(int64(maxFrameBytes))
	conn.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
	conn.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	calls := make([]any, 0, len(reads)+1)
	for _, r := range reads {
		calls = append(calls, conn.EXPECT().Read(gomock.Any()).DoAndReturn(readReturns(r)))
	}

	calls = append(calls, conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockUntilDone))
	gomock.InOrder(calls...)

	return conn
}

func TestFeed_DeliversSnapshotsAndCloses(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := liveConn(ctrl, snapshotFrame(`{"id":1}`), snapshotFrame(`{"id":2}`, `{"id":1}`))

	d := (&scriptedDialer{}).then(conn, nil)
	c := feedClient(t, d)

	rec := &recorder{}
	sub, err := c.Collection("alice", "ratings", "rated_at").Subscribe(context.Background(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{2, 1}, docIDs(t, rec.last()))

	require.NoError(t, sub.Close())
	assert.Zero(t, rec.errCount())

	assert.Equal(t, "ws://docs.test/v1/users/alice/collections/ratings/subscribe?order_by=rated_at", d.urls[0])
	assert.Equal(t, "Bearer tok", d.headers[0].Get("Authorization"))
}

func TestFeed_EmptySnapshotIsNonNil(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := liveConn(ctrl, []byte(`{"op":"snapshot"}`))

	c := feedClient(t, (&scriptedDialer{}).then(conn, nil))

	rec := &recorder{}
	sub, err := c.Collection("alice", "favorites", "added_at").Subscribe(context.Background(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, time.Millisecond)
	assert.NotNil(t, rec.last())
	assert.Empty(t, rec.last())
}

func TestFeed_SkipsMalformedAndReportsErrorFrames(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := liveConn(ctrl,
		[]byte(`not json`),
		[]byte(`{"op":"error","message":"listing failed"}`),
		[]byte(`{"op":"hello"}`),
		snapshotFrame(`{"id":5}`),
	)

	c := feedClient(t, (&scriptedDialer{}).then(conn, nil))

	rec := &recorder{}
	sub, err := c.Collection("alice", "favorites", "added_at").Subscribe(context.Background(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, rec.errCount())

	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs[0], apperrors.ErrRemoteUnavailable)
	assert.Contains(t, rec.errs[0].Error(), "listing failed")
	rec.mu.Unlock()
}

func TestFeed_ReconnectsAfterConnectionLoss(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := NewMockwsConn(ctrl)
	first.EXPECT().SetReadLimit(int64(maxFrameBytes))
	first.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
	first.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)
	gomock.InOrder(
		first.EXPECT().Read(gomock.Any()).DoAndReturn(readReturns(snapshotFrame(`{"id":1}`))),
		first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, errors.New("connection reset")),
	)

	second := liveConn(ctrl, snapshotFrame(`{"id":2}`, `{"id":1}`))

	d := (&scriptedDialer{}).
		then(first, nil).
		then(nil, &TransientError{Err: errors.New("connection refused")}).
		then(second, nil)
	c := feedClient(t, d)

	rec := &recorder{}
	sub, err := c.Collection("alice", "favorites", "added_at").Subscribe(context.Background(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{2, 1}, docIDs(t, rec.last()))
	assert.Equal(t, 3, d.dialCount())

	require.NoError(t, sub.Close())

	require.Equal(t, 1, rec.errCount(), "only the lost connection is reported")
	assert.ErrorIs(t, rec.errs[0], apperrors.ErrRemoteUnavailable)
	assert.Contains(t, rec.errs[0].Error(), "connection reset")
}

func TestFeed_StopsOnPermanentResubscribeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := NewMockwsConn(ctrl)
	first.EXPECT().SetReadLimit(int64(maxFrameBytes))
	first.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
	first.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)
	first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, errors.New("eof"))

	d := &scriptedDialer{exhausted: apperrors.ErrInvalidToken}
	d.then(first, nil)
	c := feedClient(t, d)

	rec := &recorder{}
	sub, err := c.Collection("alice", "favorites", "added_at").Subscribe(context.Background(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	f, ok := sub.(*feed)
	require.True(t, ok)

	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop after a permanent failure")
	}

	require.Equal(t, 2, rec.errCount())
	assert.ErrorIs(t, rec.errs[1], apperrors.ErrInvalidToken)
	assert.ErrorIs(t, rec.errs[1], apperrors.ErrSubscriptionEnded)
	assert.NotErrorIs(t, rec.errs[0], apperrors.ErrSubscriptionEnded, "a lost connection is retried")
	assert.Equal(t, 2, d.dialCount(), "no retries after a permanent failure")

	require.NoError(t, sub.Close())
}

func TestFeed_CloseDuringBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := NewMockwsConn(ctrl)
	first.EXPECT().SetReadLimit(int64(maxFrameBytes))
	first.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
	first.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)
	first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, errors.New("eof"))

	d := &scriptedDialer{exhausted: &TransientError{Err: errors.New("connection refused")}}
	d.then(first, nil)
	c := feedClient(t, d)
	c.reconnectMin = time.Hour
	c.reconnectMax = time.Hour

	rec := &recorder{}
	sub, err := c.Collection("alice", "favorites", "added_at").Subscribe(context.Background(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.errCount() == 1 }, 5*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked while waiting to reconnect")
	}

	assert.Equal(t, 1, d.dialCount())
}

func TestSubscribe_DialFailureIsReturned(t *testing.T) {
	d := &scriptedDialer{exhausted: &TransientError{Err: errors.New("connection refused")}}
	c := feedClient(t, d)

	_, err := c.Collection("alice", "favorites", "added_at").
		Subscribe(context.Background(), func([]json.RawMessage) {}, func(error) {})
	require.ErrorIs(t, err, apperrors.ErrRemoteUnavailable)
	assert.True(t, IsTransient(err))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(apperrors.ErrInvalidToken))
	assert.True(t, isPermanent(apperrors.ErrForbidden))
	assert.False(t, isPermanent(&TransientError{Err: errors.New("timeout")}))
}
