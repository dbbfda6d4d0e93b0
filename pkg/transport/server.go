/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/types"
)

// Header names of the peer wire envelope.
const (
	HeaderSender      = "X-Mds-Sender"
	HeaderModule      = "X-Mds-Module"
	HeaderCorrelation = "X-Mds-Correlation"
	HeaderSentAt      = "X-Mds-Sent-At"
)

// maxFrameSize bounds one inbound frame: header plus a full operation blob.
const maxFrameSize = 64 << 20

// Server receives peer frames over HTTP and hands them to the coordinator's
// request worker through a buffered channel. Messages older than MsgLifetime
// and messages arriving while the channel is full are dropped; the sender's
// protocol retries cover both.
type Server struct {
	listenAddr string
	inbound    chan Inbound
	logger     *zap.Logger
	router     chi.Router

	// now is the clock; tests replace it.
	now func() time.Time
}

// NewServer builds a receive server listening on listenAddr.
func NewServer(listenAddr string, buffer int, logger *zap.Logger) *Server {
	s := &Server{
		listenAddr: listenAddr,
		inbound:    make(chan Inbound, buffer),
		logger:     logger.Named("transport"),
		now:        time.Now,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/dao/v1/events", s.handleEvent)
	s.router = r
	return s
}

// Inbound exposes the received message stream.
func (s *Server) Inbound() <-chan Inbound {
	return s.inbound
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("receive server listening", zap.String("address", s.listenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	sender := types.ServerAddress(r.Header.Get(HeaderSender))
	if sender == "" {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}
	module, err := strconv.ParseUint(r.Header.Get(HeaderModule), 10, 8)
	if err != nil {
		http.Error(w, "missing or malformed module", http.StatusBadRequest)
		return
	}
	var correlation uint64
	if v := r.Header.Get(HeaderCorrelation); v != "" {
		correlation, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "malformed correlation id", http.StatusBadRequest)
			return
		}
	}
	sentAt := s.now()
	if v := r.Header.Get(HeaderSentAt); v != "" {
		millis, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "malformed timestamp", http.StatusBadRequest)
			return
		}
		sentAt = time.UnixMilli(millis)
	}
	if s.now().Sub(sentAt) > MsgLifetime {
		// The sender will retry; a stale frame is worthless.
		s.logger.Debug("stale message dropped", zap.String("sender", string(sender)))
		w.WriteHeader(http.StatusOK)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 || len(payload) > maxFrameSize {
		http.Error(w, "frame size out of bounds", http.StatusBadRequest)
		return
	}

	msg := Inbound{
		Sender:        sender,
		Module:        Module(module),
		CorrelationID: correlation,
		SentAt:        sentAt,
		Payload:       payload,
	}
	select {
	case s.inbound <- msg:
		w.WriteHeader(http.StatusAccepted)
	default:
		// Backpressure: drop and rely on the sender's retry.
		s.logger.Warn("inbound queue full, message dropped",
			zap.String("sender", string(sender)))
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}
}
