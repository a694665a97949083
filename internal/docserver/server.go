// Package docserver is the remote document store: per-user collections
// of JSON documents over HTTP, with live snapshot feeds over websockets.
package docserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexjbarnes/reelsync/internal/auth"
	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
)

const (
	// maxRequestBody caps JSON request bodies.
	maxRequestBody = 1 << 20

	// writeTimeout bounds a single snapshot frame write.
	writeTimeout = 10 * time.Second
)

// collectionOrder lists the collections clients may use and the field
// each is ordered by when the request does not say.
var collectionOrder = map[string]string{
	"favorites": "added_at",
	"watchlist": "added_at",
	"ratings":   "rated_at",
}

var orderByPattern = regexp.MustCompile(`^[a-z_]+$`)

// Frame is a message on the subscribe websocket.
type Frame struct {
	Op      string            `json:"op"`
	Docs    []json.RawMessage `json:"docs,omitempty"`
	Message string            `json:"message,omitempty"`
}

// SignInRequest is the body of POST /v1/signin.
type SignInRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// SignInResponse is returned by a successful sign-in.
type SignInResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MeResponse is returned by GET /v1/me.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// ListResponse is returned by GET .../docs.
type ListResponse struct {
	Docs []json.RawMessage `json:"docs"`
}

// Config holds the server dependencies.
type Config struct {
	Store  *Store
	Tokens *auth.Store
	Users  auth.Users
	Logger *slog.Logger
}

// Server serves the document store API.
type Server struct {
	store   *Store
	hub     *Hub
	tokens  *auth.Store
	users   auth.Users
	limiter *auth.LoginLimiter
	logger  *slog.Logger

	// writeMu serialises writes with their snapshot fan-out so
	// subscribers see snapshots in write order.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		store:   cfg.Store,
		hub:     NewHub(),
		tokens:  cfg.Tokens,
		users:   cfg.Users,
		limiter: auth.NewLoginLimiter(),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close ends every live subscription. http.Server.Shutdown does not
// track hijacked websocket connections.
func (s *Server) Close() {
	s.cancel()
}

// Hub exposes the subscriber registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := auth.Middleware(s.tokens, s.logger)

	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, instrument(pattern, h))
	}

	handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	handle("GET /metrics", promhttp.Handler())
	handle("POST /v1/signin", http.HandlerFunc(s.handleSignIn))
	handle("POST /v1/signout", authed(http.HandlerFunc(s.handleSignOut)))
	handle("GET /v1/me", authed(http.HandlerFunc(s.handleMe)))

	const coll = "/v1/users/{uid}/collections/{name}"
	handle("GET "+coll+"/docs", authed(http.HandlerFunc(s.handleList)))
	handle("GET "+coll+"/docs/{id}", authed(http.HandlerFunc(s.handleGet)))
	handle("PUT "+coll+"/docs/{id}", authed(http.HandlerFunc(s.handlePut)))
	handle("DELETE "+coll+"/docs/{id}", authed(http.HandlerFunc(s.handleDelete)))
	handle("GET "+coll+"/subscribe", authed(http.HandlerFunc(s.handleSubscribe)))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ip := auth.RemoteIP(r)
	if s.limiter.Limited(ip) {
		s.logger.Warn("sign-in rate limited", slog.String("ip", ip))
		signinsTotal.WithLabelValues("limited").Inc()
		writeJSONError(w, http.StatusTooManyRequests, "too many failed sign-in attempts, try again later")

		return
	}

	var req SignInRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.users.Verify(req.User, req.Password) {
		s.logger.Warn("sign-in failed", slog.String("user", req.User), slog.String("ip", ip))
		s.limiter.Record(ip)
		signinsTotal.WithLabelValues("rejected").Inc()
		writeJSONError(w, http.StatusUnauthorized, apperrors.ErrInvalidCredentials.Error())

		return
	}

	ti := s.tokens.Issue(req.User)
	signinsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("signed in", slog.String("user_id", req.User))

	writeJSON(w, http.StatusOK, SignInResponse{Token: ti.Token, UserID: ti.UserID, ExpiresAt: ti.ExpiresAt})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.tokens.Revoke(auth.RequestToken(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MeResponse{UserID: auth.RequestUserID(r.Context())})
}

// target is a resolved collection route.
type target struct {
	uid        string
	collection string
	orderBy    string
	id         string
}

// resolve validates the collection route. It writes the error response
// and returns false on failure.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, withID bool) (target, bool) {
	t := target{
		uid:        r.PathValue("uid"),
		collection: r.PathValue("name"),
		orderBy:    r.URL.Query().Get("order_by"),
	}

	if t.uid != auth.RequestUserID(r.Context()) {
		writeJSONError(w, http.StatusForbidden, apperrors.ErrForbidden.Error())
		return t, false
	}

	defaultOrder, ok := collectionOrder[t.collection]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown collection")
		return t, false
	}

	if t.orderBy == "" {
		t.orderBy = defaultOrder
	}

	if !orderByPattern.MatchString(t.orderBy) {
		writeJSONError(w, http.StatusBadRequest, "invalid order_by")
		return t, false
	}

	if withID {
		t.id = r.PathValue("id")

		n, err := strconv.ParseInt(t.id, 10, 64)
		if err != nil || n <= 0 || strconv.FormatInt(n, 10) != t.id {
			writeJSONError(w, http.StatusBadRequest, "invalid document id")
			return t, false
		}
	}

	return t, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r, false)
	if !ok {
		return
	}

	docs, err := s.store.List(t.uid, t.collection, t.orderBy)
	if err != nil {
		s.internalError(w, "listing documents", err)
		return
	}

	if docs == nil {
		docs = []json.RawMessage{}
	}

	writeJSON(w, http.StatusOK, ListResponse{Docs: docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r, true)
	if !ok {
		return
	}

	doc, err := s.store.Get(t.uid, t.collection, t.id)
	if errors.Is(err, apperrors.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "document not found")
		return
	}

	if err != nil {
		s.internalError(w, "reading document", err)
		return
	}

	writeRawJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r, true)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored, err := s.store.Put(t.uid, t.collection, t.id, body)
	if errors.Is(err, apperrors.ErrInvalidDocument) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err != nil {
		s.internalError(w, "storing document", err)
		return
	}

	documentWritesTotal.WithLabelValues(t.collection, "upsert").Inc()
	s.publish(t)

	writeRawJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r, true)
	if !ok {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.Delete(t.uid, t.collection, t.id); err != nil {
		s.internalError(w, "deleting document", err)
		return
	}

	documentWritesTotal.WithLabelValues(t.collection, "delete").Inc()
	s.publish(t)

	w.WriteHeader(http.StatusNoContent)
}

// publish fans the collection's new state out to subscribers. Callers
// hold writeMu.
func (s *Server) publish(t target) {
	err := s.hub.publish(t.uid, t.collection, func(orderBy string) ([]json.RawMessage, error) {
		return s.store.List(t.uid, t.collection, orderBy)
	})
	if err != nil {
		s.logger.Warn("publishing snapshot",
			slog.String("user_id", t.uid),
			slog.String("collection", t.collection),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r, false)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// The initial snapshot is queued under writeMu so a concurrent write
	// cannot be overtaken by an older listing.
	s.writeMu.Lock()
	sub := s.hub.add(t.uid, t.collection, t.orderBy)

	docs, err := s.store.List(t.uid, t.collection, t.orderBy)
	if err == nil {
		sub.offer(docs)
	}
	s.writeMu.Unlock()

	defer s.hub.remove(sub)

	logger := s.logger.With(
		slog.String("user_id", t.uid),
		slog.String("collection", t.collection),
		slog.String("subscriber", sub.id),
	)

	if err != nil {
		logger.Error("initial listing", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "listing failed")

		return
	}

	logger.Debug("subscriber attached")

	// Clients never send data frames; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			logger.Debug("subscriber detached")
			return

		case <-s.ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case docs := <-sub.latest:
			if docs == nil {
				docs = []json.RawMessage{}
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, Frame{Op: "snapshot", Docs: docs})
			cancel()

			if err != nil {
				logger.Debug("writing snapshot", slog.String("error", err.Error()))
				return
			}

			snapshotsSent.Inc()
		}
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, slog.String("error", err.Error()))
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, code int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusRecorder captures the response code for metrics. It passes
// Hijack through so websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}

	r.code = http.StatusSwitchingProtocols

	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
