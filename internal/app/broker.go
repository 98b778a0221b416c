package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	intrnl "chatboard/internal"
	"chatboard/internal/logging"
)

// BrokerHandle represents a running dev broker instance.
type BrokerHandle struct {
	addr   string
	server *http.Server
	log    *zap.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *BrokerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *BrokerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the broker exits.
func (h *BrokerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunBroker starts the in-memory dev broker in the background. Call
// Stop/Wait to manage its lifecycle.
func RunBroker(ctx context.Context, cfg BrokerConfig) (*BrokerHandle, error) {
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir()
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	log := logging.New(DefaultLogPath(), false)
	broker := intrnl.NewBroker(cfg.UploadDir, log)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: broker.Handler(),
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &BrokerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		log:    log,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("broker shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *BrokerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.err = err
}
