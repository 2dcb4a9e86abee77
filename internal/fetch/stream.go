package fetch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/traceview/internal/logging"
)

// maxLine bounds a single NDJSON line or WebSocket message.
const maxLine = 16 << 20

func (c *Client) streamNDJSON(ctx context.Context, q Query, emit func(StreamEvent)) error {
	u := c.resourceURL(q)
	v := u.Query()
	v.Set("stream", string(TransportNDJSON))
	u.RawQuery = v.Encode()

	resp, err := c.get(ctx, q.Resource, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := decodeEvent(line)
		if err != nil {
			return &FetchError{Resource: q.Resource, Err: err}
		}
		emit(ev)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchError{Resource: q.Resource, Err: err}
	}
	return nil
}

func (c *Client) streamWebSocket(ctx context.Context, q Query, emit func(StreamEvent)) error {
	parts := append([]string{"api", "datasets", q.Dataset, "ws"}, strings.Split(q.Resource, "/")...)
	u := c.endpoint(parts...)
	u.RawQuery = q.Values().Encode()
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ctx, reqID := logging.EnsureRequestID(ctx)
	header := http.Header{}
	header.Set(logging.RequestIDHeader, reqID)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.wsTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return statusError(q.Resource, resp, "")
			}
		}
		return &FetchError{Resource: q.Resource, Err: err}
	}
	defer conn.Close()
	conn.SetReadLimit(maxLine)

	// Closing the connection is the only way to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseTryAgainLater {
				return &NotReadyError{Resource: q.Resource}
			}
			return &FetchError{Resource: q.Resource, Err: err}
		}
		ev, err := decodeEvent(msg)
		if err != nil {
			return &FetchError{Resource: q.Resource, Err: err}
		}
		emit(ev)
	}
}

func decodeEvent(raw []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.Metadata == nil && ev.Key == "" {
		return ev, fmt.Errorf("%w: stream message has neither metadata nor key", ErrMalformedPayload)
	}
	return ev, nil
}
