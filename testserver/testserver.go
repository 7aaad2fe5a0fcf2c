////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package testserver serves the Tern REST protocol over an in-memory store.
// It exists for SDK integration tests and local development: seeded accounts
// exchange a username and password for a signed session token, and everything
// the SDK does afterwards runs against the same rules a deployment enforces.
// Nothing here persists across restarts.
package testserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/memremote"
	"gitlab.com/ternchat/tern-sdk/remote"
)

// tokenLifetime is how long issued session tokens last.
const tokenLifetime = 24 * time.Hour

// tokenIssuer is the iss claim on issued tokens.
const tokenIssuer = "tern-testserver"

// Error messages.
const (
	decodeRequestErr  = "could not decode request body"
	badCredentialsErr = "unknown username or wrong password"
	noBearerErr       = "missing bearer token"
	badTokenErr       = "invalid session token"
	signTokenErr      = "could not sign session token"
	seedTakenErr      = "account %q is already seeded"
	readBlobErr       = "could not read blob body"
	parseFilterErr    = "could not parse feed filter"
)

// account is one seeded login.
type account struct {
	userID   string
	password string
}

// Server exposes the REST protocol over a memremote store. It implements
// http.Handler and can sit behind httptest.NewServer or ListenAndServe.
type Server struct {
	router *chi.Mux
	store  *memremote.Store
	secret []byte

	mux      sync.Mutex
	accounts map[string]account

	upgrader websocket.Upgrader
}

// New creates a server over the given store, signing session tokens with
// secret.
func New(store *memremote.Store, secret string) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		store:    store,
		secret:   []byte(secret),
		accounts: make(map[string]account),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/v1/auth/token", s.handleToken)
	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/rows/{kind}/query", s.handleQuery)
		r.Post("/v1/rows/{kind}", s.handleInsert)
		r.Patch("/v1/rows/{kind}/{id}", s.handleUpdate)
		r.Put("/v1/blobs/{bucket}/*", s.handleBlob)
		r.Get("/v1/feed", s.handleFeed)
	})

	return s
}

// Seed creates a profile in the store and registers its login. The returned
// profile carries the user ID that tokens for this account will name.
func (s *Server) Seed(username, password string) (*remote.Profile, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.accounts[username]; ok {
		return nil, errors.Errorf(seedTakenErr, username)
	}

	profile, err := s.store.CreateUser(username)
	if err != nil {
		return nil, err
	}
	s.accounts[username] = account{userID: profile.ID, password: password}
	return profile, nil
}

// ServeHTTP dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// tokenRequest is the login body.
type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse carries the issued session token.
type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// handleToken exchanges seeded credentials for a signed session token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, decodeRequestErr)
		return
	}

	s.mux.Lock()
	acct, ok := s.accounts[req.Username]
	s.mux.Unlock()

	// The compare runs against a dummy when the username is unknown so both
	// failure kinds take the same time.
	stored := "\x00unset"
	if ok {
		stored = acct.password
	}
	match := subtle.ConstantTimeCompare(
		[]byte(stored), []byte(req.Password)) == 1
	if !ok || !match {
		writeStatus(w, http.StatusUnauthorized, badCredentialsErr)
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   acct.userID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(
		jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, signTokenErr)
		return
	}

	jww.INFO.Printf("[TESTSRV] Issued token for %s.", req.Username)
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:  token,
		UserID: acct.userID,
	})
}

// actorKey carries the authenticated user ID through the request context.
type actorKey struct{}

// requireAuth verifies the bearer token and stores the authenticated user ID
// in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeStatus(w, http.StatusUnauthorized, noBearerErr)
			return
		}

		userID, err := s.parseToken(header[len(prefix):])
		if err != nil {
			writeStatus(w, http.StatusUnauthorized, badTokenErr)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseToken verifies the signature and returns the subject.
func (s *Server) parseToken(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil })
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New(badTokenErr)
	}
	return claims.Subject, nil
}

// view returns the store scoped to the authenticated user.
func (s *Server) view(r *http.Request) remote.Store {
	userID, _ := r.Context().Value(actorKey{}).(string)
	return s.store.WithActor(userID)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeStatus(w, http.StatusBadRequest, decodeRequestErr)
		return
	}

	kind := remote.Kind(chi.URLParam(r, "kind"))
	row, err := s.view(r).Insert(r.Context(), kind, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusCreated, row)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeStatus(w, http.StatusBadRequest, decodeRequestErr)
		return
	}

	kind := remote.Kind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")
	row, err := s.view(r).Update(r.Context(), kind, id, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, row)
}

// queryRequest mirrors the protocol's query body.
type queryRequest struct {
	Filter     remote.Predicate `json:"filter"`
	OrderBy    string           `json:"order_by"`
	Descending bool             `json:"descending"`
	Limit      int              `json:"limit"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, decodeRequestErr)
		return
	}

	kind := remote.Kind(chi.URLParam(r, "kind"))
	rows, err := s.view(r).Query(r.Context(), kind, req.Filter,
		remote.QueryOpts{
			OrderBy:    req.OrderBy,
			Descending: req.Descending,
			Limit:      req.Limit,
		})
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// blobResponse carries the stored blob's public URL.
type blobResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, readBlobErr)
		return
	}

	bucket := chi.URLParam(r, "bucket")
	path := chi.URLParam(r, "*")
	url, err := s.view(r).UploadBlob(r.Context(), bucket, path, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blobResponse{URL: url})
}

// handleFeed upgrades to a WebSocket and bridges one store subscription onto
// it. The read side only services control frames and notices disconnects;
// events flow out as JSON frames until either end closes.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	kind := remote.Kind(r.URL.Query().Get("kind"))

	var pred remote.Predicate
	if filter := r.URL.Query().Get("filter"); filter != "" {
		if err := json.Unmarshal([]byte(filter), &pred); err != nil {
			writeStatus(w, http.StatusBadRequest, parseFilterErr)
			return
		}
	}

	sub, err := s.view(r).Subscribe(r.Context(), kind, pred)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		jww.WARN.Printf("[TESTSRV] Feed upgrade failed: %+v", err)
		return
	}

	jww.DEBUG.Printf("[TESTSRV] Feed open for %s.", kind)
	go func() {
		// Reading keeps ping/pong serviced and detects the client going
		// away; the subscription closing then ends the write loop.
		defer func() { _ = sub.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range sub.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			break
		}
	}
	_ = sub.Close()
	_ = conn.Close()
	jww.DEBUG.Printf("[TESTSRV] Feed closed for %s.", kind)
}

// writeJSON sends a JSON response. Headers must be final before the body
// starts.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		jww.WARN.Printf("[TESTSRV] Failed to encode response: %+v", err)
	}
}

// writeRaw sends an already-encoded JSON body.
func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		jww.WARN.Printf("[TESTSRV] Failed to write response: %+v", err)
	}
}

// errorResponse is the protocol's failure envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a store failure onto the protocol: taxonomy code in the
// envelope, matching HTTP status on the wire.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, remote.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, remote.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, remote.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, remote.ErrForbidden):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorResponse{
		Code:    remote.Code(err),
		Message: err.Error(),
	})
}

// writeStatus sends a failure that has no taxonomy class, such as an auth
// rejection.
func writeStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}
