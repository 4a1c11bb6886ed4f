package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// maxMessageSize bounds one realtime delivery, which carries a full
// collection snapshot.
const maxMessageSize = 32 << 20

// Subscribe opens the websocket change stream for the collections.
func (c *Client) Subscribe(ctx context.Context, collections []schema.Collection, fn ChangeFunc) (Subscription, error) {
	tok := c.token()
	if tok == "" {
		return nil, &RemoteError{Op: "subscribe", Err: ErrNotAuthenticated}
	}
	if len(collections) == 0 {
		return nil, &RemoteError{Op: "subscribe", Err: errors.New("no collections")}
	}

	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/changes"
	names := make([]string, len(collections))
	for i, coll := range collections {
		names[i] = string(coll)
	}
	u.RawQuery = url.Values{"collections": {strings.Join(names, ",")}}.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.http.Timeout)
	defer cancelDial()
	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + tok}},
	})
	if err != nil {
		if resp != nil {
			return nil, statusError("subscribe", resp.StatusCode, err.Error())
		}
		return nil, &RemoteError{Op: "subscribe", Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.readLoop(subCtx, fn, c)
	c.logger.Debugf("subscribed to %s", strings.Join(names, ", "))
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) readLoop(ctx context.Context, fn ChangeFunc, c *Client) {
	defer close(s.done)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.finish(err)
			return
		}
		var msg ChangeMessage
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil {
			c.logger.Warnf("dropping malformed change message: %v", err)
			continue
		}
		fn(msg.Collection, msg.Snapshot, msg.Changes)
	}
}

// finish records why the stream ended unless it was closed on purpose.
func (s *wsSubscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || errors.Is(err, context.Canceled) {
		return
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
		return
	}
	s.err = &RemoteError{Op: "subscribe", Retryable: true, Err: fmt.Errorf("change stream ended: %w", err)}
}

func (s *wsSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (s *wsSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
