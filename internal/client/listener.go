package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"call-signaling/internal/signaling"
)

// SignalListener is a client's end of the per-user signaling channel.
type SignalListener struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialSignal opens the signaling channel for the client's user.
func (c *Client) DialSignal(ctx context.Context) (*SignalListener, error) {
	u := c.baseURL + "/call/signal"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := d.DialContext(ctx, u, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signal: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial signal: %w", err)
	}
	return &SignalListener{ws: ws}, nil
}

// Send writes one command frame (CALL_ACCEPT, CALL_REJECT, CALL_CANCEL, CALL_END).
func (l *SignalListener) Send(env signaling.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.ws.WriteJSON(env)
}

// Listen reads frames and hands them to fn until the channel closes or ctx ends.
// Frames that fail to decode are skipped.
func (l *SignalListener) Listen(ctx context.Context, fn func(signaling.Envelope)) error {
	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for {
		_, b, err := l.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var env signaling.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			continue
		}
		fn(env)
	}
}

func (l *SignalListener) Close() {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		_ = l.ws.Close()
	})
}
