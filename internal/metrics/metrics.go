// Package metrics exposes the caster's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "castaudio"

var (
	// CastMessages counts control channel messages by direction and type.
	CastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cast_messages_total",
		Help:      "Cast control messages by direction (in/out) and payload type.",
	}, []string{"direction", "type"})

	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Devices currently managed by the registry.",
	})

	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_connections",
		Help:      "Open audio stream connections.",
	})

	// StreamFrames counts audio frames per outcome: sent, skipped (lag
	// reduction) or dropped (slow connection).
	StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frames_total",
		Help:      "Audio frames handled by stream connections, by result.",
	}, []string{"result"})

	StreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_bytes_total",
		Help:      "PCM bytes written to stream connections.",
	})

	CaptureBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_bytes_total",
		Help:      "PCM bytes accepted from the capture source.",
	})

	CaptureOverflowBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_overflow_bytes_total",
		Help:      "PCM bytes dropped because the capture buffer was full.",
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
