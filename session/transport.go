package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"pkt.systems/devcollab/schema"
)

// Transport is the ordered, reliable, bidirectional message channel to the
// coordinator. Send is safe for concurrent use; Receive must be driven from
// a single goroutine.
type Transport interface {
	Send(env schema.Envelope) error
	Receive() (schema.Envelope, error)
	Close() error
}

// Dial opens a websocket transport to the coordinator endpoint. http(s)
// schemes are rewritten to ws(s); anything else is rejected.
func Dial(ctx context.Context, rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("coordinator url: unsupported scheme %q", u.Scheme)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	return &wsTransport{ws: ws}, nil
}

type wsTransport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Send(env schema.Envelope) error {
	data, err := schema.EncodeEvent(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() (schema.Envelope, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		return schema.Envelope{}, err
	}
	return schema.DecodeEvent(data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.ws.Close()
}
