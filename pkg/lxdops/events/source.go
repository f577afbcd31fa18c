// Package events consumes the hypervisor push channel and feeds operation
// outcomes to the event queue.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/transport"
)

// EventsPath is the push channel endpoint
const EventsPath = "/1.0/events"

// Source yields pushed events until it fails or is closed
type Source interface {
	Next(ctx context.Context) (*core.Event, error)
	Close() error
}

// Dialer opens a new Source
type Dialer func(ctx context.Context) (Source, error)

func streamQuery(project string) url.Values {
	query := url.Values{"type": {core.EventTypeOperation}}
	if project != "" {
		query.Set("project", project)
	}
	return query
}

// WebsocketSource reads JSON events from a websocket
type WebsocketSource struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// WebsocketDialer connects to the push channel over a websocket, reusing the
// client's transport so unix sockets and TLS client certificates work.
func WebsocketDialer(client *transport.Client, project string) Dialer {
	return func(ctx context.Context) (Source, error) {
		wsURL, err := websocketURL(client.URL(EventsPath, streamQuery(project)))
		if err != nil {
			return nil, err
		}

		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		}
		if t, ok := client.HTTPClient().Transport.(*http.Transport); ok {
			dialer.NetDialContext = t.DialContext
			dialer.TLSClientConfig = t.TLSClientConfig
		}

		conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("failed to connect to event stream: %w (status %d)", err, resp.StatusCode)
			}
			return nil, fmt.Errorf("failed to connect to event stream: %w", err)
		}
		return &WebsocketSource{conn: conn}, nil
	}
}

func websocketURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("invalid event stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q for event stream", u.Scheme)
	}
	return u.String(), nil
}

// Next blocks for the next event. Cancelling ctx closes the connection.
func (s *WebsocketSource) Next(ctx context.Context) (*core.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	event := &core.Event{}
	if err := s.conn.ReadJSON(event); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	return event, nil
}

// Close closes the connection
func (s *WebsocketSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// SSESource reads events from a text/event-stream response
type SSESource struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

// SSEDialer connects to the push channel as server-sent events
func SSEDialer(client *transport.Client, project string) Dialer {
	return func(ctx context.Context) (Source, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.URL(EventsPath, streamQuery(project)), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build event stream request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := client.HTTPClient().Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to event stream: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_, err := transport.DecodeResponse(resp)
			if err == nil {
				err = fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil, fmt.Errorf("failed to connect to event stream: %w", err)
		}
		return &SSESource{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
	}
}

// Next returns the event carried by the next data frame. Comments and
// frames without data are skipped.
func (s *SSESource) Next(ctx context.Context) (*core.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			event := &core.Event{}
			if err := json.Unmarshal([]byte(data.String()), event); err != nil {
				return nil, fmt.Errorf("failed to decode event: %w", err)
			}
			return event, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close closes the stream
func (s *SSESource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
