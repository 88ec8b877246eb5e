package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// funcService adapts a run function to suture.Service.
type funcService struct {
	name string
	run  func(ctx context.Context) error
}

func (f *funcService) Serve(ctx context.Context) error { return f.run(ctx) }

func (f *funcService) String() string { return f.name }

// httpService runs an http.Server under the tree and shuts it down
// gracefully when the tree stops.
type httpService struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
}

func newHTTPService(name string, server *http.Server, shutdownTimeout time.Duration) *httpService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string { return h.name }
