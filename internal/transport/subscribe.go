package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/walkley/myagents/pkg/types"
)

// ErrStreamClosed is returned by Next once the stream has ended.
var ErrStreamClosed = errors.New("event stream closed")

// Subscription is an open event stream.
type Subscription interface {
	// Next blocks for the next envelope.
	Next(ctx context.Context) (types.Envelope, error)
	Close() error
}

// Subscribe opens the event stream. lastSeq is sent as Last-Event-ID so
// the worker can skip events the caller already has; the first event is
// always a replay.
func (c *Client) Subscribe(ctx context.Context, lastSeq uint64) (Subscription, error) {
	if c.push == PushWebSocket {
		return c.subscribeWS(ctx, lastSeq)
	}
	return c.subscribeSSE(ctx, lastSeq)
}

func (c *Client) subscribeSSE(ctx context.Context, lastSeq uint64) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/chat/events"), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.tabID != "" {
		req.Header.Set(TabHeader, c.tabID)
	}
	if lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastSeq, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeStatusError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type: %s", ct)
	}

	return &sseSubscription{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type sseSubscription struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	once   sync.Once
}

// Next parses frames until one carries data. Comment lines are heartbeats.
func (s *sseSubscription) Next(ctx context.Context) (types.Envelope, error) {
	var (
		id   string
		kind string
		data strings.Builder
	)
	for {
		if err := ctx.Err(); err != nil {
			return types.Envelope{}, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return types.Envelope{}, ErrStreamClosed
			}
			return types.Envelope{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				id, kind = "", ""
				continue
			}
			return decodeFrame(id, kind, data.String())
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func decodeFrame(id, kind, data string) (types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return types.Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Seq == 0 && id != "" {
		if seq, err := strconv.ParseUint(id, 10, 64); err == nil {
			env.Seq = seq
		}
	}
	if env.Type == "" {
		env.Type = types.EventKind(kind)
	}
	return env, nil
}

func (s *sseSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (c *Client) wsURL(lastSeq uint64) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/chat/ws"
	if lastSeq > 0 {
		q := u.Query()
		q.Set("lastEventId", strconv.FormatUint(lastSeq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) subscribeWS(ctx context.Context, lastSeq uint64) (Subscription, error) {
	header := http.Header{}
	if c.tabID != "" {
		header.Set(TabHeader, c.tabID)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(lastSeq), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, decodeStatusError(resp)
			}
		}
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	return &wsSubscription{conn: conn}, nil
}

type wsSubscription struct {
	conn *websocket.Conn
	once sync.Once
}

func (s *wsSubscription) Next(ctx context.Context) (types.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return types.Envelope{}, err
	}
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	var env types.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		if ctx.Err() != nil {
			return types.Envelope{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return types.Envelope{}, ErrStreamClosed
		}
		return types.Envelope{}, err
	}
	return env, nil
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
