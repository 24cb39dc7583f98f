// Package stream relays state change events to websocket clients.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/web3-frozen/lending-monitor/internal/metrics"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	bufferSize   = 64
)

// Source is the event feed the stream relays.
type Source interface {
	Subscribe(buf int) (<-chan state.Event, func())
}

// Handler upgrades the request and forwards every event until the client
// goes away or falls too far behind.
func Handler(src Source, origins []string, logger *slog.Logger) http.HandlerFunc {
	logger = logger.With("component", "stream")
	opts := &websocket.AcceptOptions{OriginPatterns: originHosts(origins)}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow() //nolint:errcheck

		metrics.StreamClients.Inc()
		defer metrics.StreamClients.Dec()

		events, cancel := src.Subscribe(bufferSize)
		defer cancel()

		// Clients only listen; CloseRead handles their control frames.
		ctx := conn.CloseRead(r.Context())
		if err := relay(ctx, conn, events); err != nil && ctx.Err() == nil {
			logger.Debug("stream closed", "error", err)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
	}
}

func relay(ctx context.Context, conn *websocket.Conn, events <-chan state.Event) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// originHosts turns CORS origins into the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}
