// Package server hosts the chat HTTP/WebSocket process.
//
// The transport stays thin: channel identity, gating, sequencing, and
// fan-out live in their own packages, and identity/relationship state is
// owned by the external directory service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gatherhall/gatherhall/internal/platform/timeouts"
	"github.com/gatherhall/gatherhall/internal/services/chat/directory"
	"github.com/gatherhall/gatherhall/internal/services/chat/membership"
	"github.com/gatherhall/gatherhall/internal/services/chat/msglog"
	"github.com/gatherhall/gatherhall/internal/services/chat/policy"
	"github.com/gatherhall/gatherhall/internal/services/chat/router"
	"github.com/gatherhall/gatherhall/internal/services/chat/storage/sqlite"
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr                string
	StoragePath             string
	DirectoryBaseURL        string
	DirectoryResourceSecret string
	ReadHeaderTimeout       time.Duration
	ShutdownTimeout         time.Duration
}

// Server hosts the chat WebSocket process and owns its storage handle.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.StoragePath) == "" {
		return nil, errors.New("storage path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	provider := directory.NewHTTPClient(config.DirectoryBaseURL, config.DirectoryResourceSecret)
	if provider == nil {
		log.Printf("chat: directory is not configured, connections stay anonymous")
	}

	core := router.New(
		policy.NewResolver(providerOrNil(provider), nil),
		membership.NewManager(),
		msglog.New(store, nil),
	)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandlerWithDirectory(core, providerOrNil(provider)),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// providerOrNil flattens a typed nil client into an untyped nil interface so
// downstream nil checks behave.
func providerOrNil(client *directory.HTTPClient) directory.Provider {
	if client == nil {
		return nil
	}
	return client
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close message store: %v", err)
		}
	}
}
