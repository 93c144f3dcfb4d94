package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crowdwatch/crowdwatch/internal/session"
)

const handshakeTimeout = 10 * time.Second

type wsFeed struct {
	url    string
	tls    *tls.Config
	header http.Header
}

func (f *wsFeed) Open(ctx context.Context) (session.Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  f.tls,
	}
	conn, resp, err := dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("feed: ws dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("feed: ws dial: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

// Recv returns the next text frame. Binary frames carry the same payload
// format and are accepted too.
func (s *wsStream) Recv() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
			return "", session.ErrEndOfStream
		}
		return "", fmt.Errorf("feed: ws read: %w", err)
	}
	return string(data), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
