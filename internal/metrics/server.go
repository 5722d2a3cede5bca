package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Health tracks liveness of the stream.
type Health struct {
	mu sync.RWMutex

	StreamConnected bool
	LastCandleAt    time.Time
	StartedAt       time.Time
}

// NewHealth returns a health tracker stamped with the start time.
func NewHealth() *Health {
	return &Health{StartedAt: time.Now()}
}

func (h *Health) SetStreamConnected(v bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *Health) SetLastCandle(t time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.LastCandleAt = t
	h.mu.Unlock()
}

// ServeHTTP handles /healthz.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.StreamConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	candleAge := ""
	if !h.LastCandleAt.IsZero() {
		candleAge = time.Since(h.LastCandleAt).Round(time.Millisecond).String()
	}

	body := struct {
		Status          string `json:"status"`
		Uptime          string `json:"uptime"`
		StreamConnected bool   `json:"stream_connected"`
		CandleAge       string `json:"candle_age"`
	}{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		CandleAge:       candleAge,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Handler returns the mux serving /metrics and /healthz.
func Handler(m *Metrics, h *Health) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/healthz", h)
	return mux
}

// Serve runs the metrics server until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, h *Health, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(m, h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log := logger.With().Str("component", "metrics").Logger()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
