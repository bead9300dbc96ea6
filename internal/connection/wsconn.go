package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DialFunc opens the raw transport the STOMP session runs over. It exists
// as a seam so tests can substitute an in-memory pipe for a real WebSocket.
type DialFunc func(ctx context.Context, brokerURL string) (io.ReadWriteCloser, error)

// WebSocketDialer returns a DialFunc that dials the broker over WebSocket.
// STOMP frames travel as text messages, one frame per message.
func WebSocketDialer(handshakeTimeout time.Duration) DialFunc {
	return func(ctx context.Context, brokerURL string) (io.ReadWriteCloser, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		}
		conn, resp, err := dialer.DialContext(ctx, brokerURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", brokerURL, err)
		}
		return &wsStream{conn: conn}, nil
	}
}

// wsStream adapts a message-oriented websocket connection to the
// io.ReadWriteCloser the STOMP client expects. Reads continue across
// message boundaries; each Write sends one websocket message.
type wsStream struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (w *wsStream) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}

// notifyStream wraps a transport stream and signals when it dies, since the
// STOMP client surfaces read-loop failures only through its subscriptions.
type notifyStream struct {
	rwc    io.ReadWriteCloser
	once   sync.Once
	err    error
	closed chan struct{}
}

func newNotifyStream(rwc io.ReadWriteCloser) *notifyStream {
	return &notifyStream{rwc: rwc, closed: make(chan struct{})}
}

func (s *notifyStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.closed)
	})
}

func (s *notifyStream) Read(p []byte) (int, error) {
	n, err := s.rwc.Read(p)
	if err != nil {
		s.fail(err)
	}
	return n, err
}

func (s *notifyStream) Write(p []byte) (int, error) {
	n, err := s.rwc.Write(p)
	if err != nil {
		s.fail(err)
	}
	return n, err
}

func (s *notifyStream) Close() error {
	err := s.rwc.Close()
	s.fail(nil)
	return err
}

// Closed is signalled once, when the stream fails or is closed.
func (s *notifyStream) Closed() <-chan struct{} { return s.closed }

// Err returns the failure that closed the stream, nil for a local close.
func (s *notifyStream) Err() error { return s.err }
