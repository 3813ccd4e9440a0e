package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
)

// maxReconnectWait caps the backoff between reconnect attempts.
const maxReconnectWait = 30 * time.Second

// frame is the wire shape of a pushed event: the event name selects the
// topic, data carries the same payload the progress endpoint returns.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Stream consumes the server's websocket event channel and republishes
// progress frames through a Dispatcher. The pushed channel is best-effort:
// connection loss is retried with backoff and never surfaces as an error
// to watchers, who keep receiving state through polling.
type Stream struct {
	url       string
	topic     string
	authToken string
	dispatch  *Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream prepares a consumer for the event channel at url. Frames whose
// event name differs from topic are ignored. apiKey and apiSecret may be
// empty when the channel does not require authentication.
func NewStream(url, topic, apiKey, apiSecret string, dispatch *Dispatcher) *Stream {
	s := &Stream{
		url:      url,
		topic:    topic,
		dispatch: dispatch,
	}
	if apiKey != "" {
		s.authToken = fmt.Sprintf("token %s:%s", apiKey, apiSecret)
	}
	return s
}

// Start launches the consume loop in the background. It returns immediately;
// connection failures are handled inside the loop.
func (s *Stream) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
}

// Stop tears down the connection and waits for the consume loop to exit.
func (s *Stream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	config.Log.Debug("Event stream stopped")
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			wait := reconnectWait(attempt)
			config.Log.WithError(err).Warnf("Event stream connect failed, retrying in %v", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		config.Log.WithField("url", s.url).Info("Event stream connected")

		if err := s.consume(ctx, conn); err != nil && ctx.Err() == nil {
			config.Log.WithError(err).Warn("Event stream disconnected")
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.authToken != "" {
		header.Set("Authorization", s.authToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// consume reads frames until the connection drops or ctx is cancelled.
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	// Unblock ReadMessage on cancellation by closing the connection.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-finished:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(data)
	}
}

func (s *Stream) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		config.Log.WithError(err).Warn("Discarding malformed event frame")
		return
	}
	if f.Event != s.topic {
		return
	}

	update, err := api.ParseProgressPayload(f.Data)
	if err != nil {
		config.Log.WithError(err).Warn("Discarding undecodable progress event")
		return
	}

	s.dispatch.Publish(*update)
}

// reconnectWait grows quadratically with the attempt count, capped so a
// long outage does not push waits into minutes.
func reconnectWait(attempt int) time.Duration {
	wait := time.Duration(500*attempt*attempt) * time.Millisecond
	if wait > maxReconnectWait {
		return maxReconnectWait
	}
	return wait
}
