package app

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/javking07/toadrunner/runs"
	"github.com/javking07/toadrunner/telemetry"
)

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"

	wsWriteWait = 10 * time.Second

	// subscriptionHeader names the subscription in stream responses, as
	// the "subscription" field of server logs does.
	subscriptionHeader = "X-Subscription-ID"
)

// StreamLogs pushes a run log as server-sent events: a "subscribed" event
// carrying the subscription id, the buffered lines, then live lines, then a
// single "end" event.
func (a *App) StreamLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := run.Subscribe()
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(subscriptionHeader, sub.ID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", a.AppConfig.Stream.ActivePoll.Milliseconds())
	fmt.Fprintf(w, "event: subscribed\ndata: %s\n\n", sub.ID)
	flusher.Flush()

	a.follow(r, nil, run, sub, transportSSE, func(batch telemetry.Batch) error {
		if batch.Missed > 0 {
			if _, err := fmt.Fprintf(w, "event: gap\ndata: %d\n\n", batch.Missed); err != nil {
				return err
			}
		}
		for _, line := range batch.Lines {
			if err := writeEventData(w, line.Text); err != nil {
				return err
			}
		}
		if batch.Ended {
			if _, err := io.WriteString(w, "event: end\ndata: done\n\n"); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	}, func() error {
		if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// writeEventData writes text as one event. Embedded line breaks become
// extra data fields, which clients join back with "\n".
func writeEventData(w io.Writer, text string) error {
	var b strings.Builder
	text = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(text)
	for _, part := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowed),
	}
}

// originChecker applies the CORS origin list to websocket handshakes the
// way go-chi/cors reads it: an empty list or "*" admits any origin and a
// single "*" inside an entry matches any run of characters. Requests
// without an Origin header are not from browsers and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	var patterns []string
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin == "*" {
			return func(r *http.Request) bool { return true }
		}
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, pattern := range patterns {
			if matchOrigin(pattern, origin) {
				return true
			}
		}
		return false
	}
}

func matchOrigin(pattern, origin string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == origin
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(origin) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(origin, prefix) &&
		strings.HasSuffix(origin, suffix)
}

// wsMessage is one frame of the websocket log stream.
type wsMessage struct {
	Type         string `json:"type"` // subscribed, log, gap or end
	Line         string `json:"line,omitempty"`
	Missed       uint64 `json:"missed,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

// StreamLogsWS carries the same stream as StreamLogs over a websocket, one
// JSON frame per line.
func (a *App) StreamLogsWS(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookup(w, r)
	if !ok {
		return
	}
	sub := run.Subscribe()
	defer sub.Close()

	conn, err := a.upgrader.Upgrade(w, r, http.Header{subscriptionHeader: {sub.ID}})
	if err != nil {
		// Upgrade has already answered the client.
		a.AppLogger.Debug().Err(err).Str("run", run.ID()).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client never sends anything we need; reading surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg wsMessage) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}
	if err := send(wsMessage{Type: "subscribed", Subscription: sub.ID}); err != nil {
		a.AppLogger.Debug().Err(err).Str("run", run.ID()).Msg("websocket write failed")
		return
	}
	a.follow(r, gone, run, sub, transportWebSocket, func(batch telemetry.Batch) error {
		if batch.Missed > 0 {
			if err := send(wsMessage{Type: "gap", Missed: batch.Missed}); err != nil {
				return err
			}
		}
		for _, line := range batch.Lines {
			if err := send(wsMessage{Type: "log", Line: line.Text}); err != nil {
				return err
			}
		}
		if batch.Ended {
			if err := send(wsMessage{Type: "end"}); err != nil {
				return err
			}
			return conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
				time.Now().Add(wsWriteWait))
		}
		return nil
	}, func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	})
}

// follow hands every batch of sub to deliver until the log ends or the
// client leaves. A failed write only ends this subscriber.
func (a *App) follow(r *http.Request, gone <-chan struct{}, run *runs.Run, sub *telemetry.Subscription, transport string, deliver func(telemetry.Batch) error, keepAlive func() error) {
	a.AppMetrics.SubscriberAttached(transport)
	defer a.AppMetrics.SubscriberDetached(transport)

	logger := a.AppLogger.With().
		Str("run", run.ID()).
		Str("subscription", sub.ID).
		Str("transport", transport).
		Logger()
	logger.Debug().Msg("log subscriber attached")

	ticker := time.NewTicker(a.AppConfig.Stream.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("log subscriber left")
			return
		case <-gone:
			logger.Debug().Msg("log subscriber closed the connection")
			return
		case <-ticker.C:
			if err := keepAlive(); err != nil {
				logSubscriberError(logger, err)
				return
			}
		case <-sub.Ready():
			batch := sub.Poll()
			if err := deliver(batch); err != nil {
				logSubscriberError(logger, err)
				return
			}
			if batch.Ended {
				logger.Debug().Msg("log stream ended")
				return
			}
		}
	}
}

func logSubscriberError(logger zerolog.Logger, err error) {
	logger.Debug().Err(err).Msg("log subscriber write failed")
}
