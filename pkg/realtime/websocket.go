package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("realtime")

var errDisposed = errors.New("subscription disposed")

// WebsocketSubscriber streams change envelopes from a websocket endpoint. The
// scope travels as query parameters; the connection is re-dialed with
// exponential backoff whenever it drops.
type WebsocketSubscriber struct {
	logger    *slog.Logger
	socketURL *url.URL
	table     string
	header    http.Header
	dialer    *websocket.Dialer

	Backoff Backoff
}

func NewWebsocketSubscriber(logger *slog.Logger, socketURL, table, apiKey string) (*WebsocketSubscriber, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("socket url %q must use ws or wss", socketURL)
	}
	if table == "" {
		return nil, fmt.Errorf("realtime table is required")
	}

	header := http.Header{
		"User-Agent": []string{"feedsync"},
	}
	if apiKey != "" {
		header.Set("apikey", apiKey)
	}

	return &WebsocketSubscriber{
		logger:    logger.With("module", "realtime", "transport", "websocket", "table", table),
		socketURL: u,
		table:     table,
		header:    header,
		dialer:    websocket.DefaultDialer,
	}, nil
}

func (s *WebsocketSubscriber) scopedURL(scope Scope) string {
	u := *s.socketURL
	q := u.Query()
	for k, v := range scope.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *WebsocketSubscriber) Subscribe(ctx context.Context, filter feed.Filter, onEvent func(feed.Event)) (feed.Handle, error) {
	ctx, span := tracer.Start(ctx, "WebsocketSubscribe")
	defer span.End()

	scope := NewScope(s.table, filter)
	socketURL := s.scopedURL(scope)
	span.SetAttributes(attribute.String("url", socketURL))

	logger := s.logger.With("filter", filter.String())
	logger.Info("connecting to realtime socket", "url", socketURL)

	conn, _, err := s.dialer.DialContext(ctx, socketURL, s.header)
	if err != nil {
		subscriptionErrors.WithLabelValues("websocket").Inc()
		return nil, fmt.Errorf("failed to connect to realtime socket: %w: %w", feed.ErrSubscription, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &wsSubscription{
		logger:    logger,
		dialer:    s.dialer,
		header:    s.header,
		socketURL: socketURL,
		scope:     scope,
		backoff:   s.Backoff,
		onEvent:   onEvent,
		conn:      conn,
		done:      make(chan struct{}),
	}
	go sub.run(subCtx)

	return feed.NewHandle(func() error {
		cancel()
		err := sub.close()
		<-sub.done
		logger.Info("realtime subscription disposed")
		return err
	}), nil
}

type wsSubscription struct {
	logger    *slog.Logger
	dialer    *websocket.Dialer
	header    http.Header
	socketURL string
	scope     Scope
	backoff   Backoff
	onEvent   func(feed.Event)

	lk     sync.Mutex
	conn   *websocket.Conn
	closed bool

	done chan struct{}
}

func (w *wsSubscription) current() *websocket.Conn {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.conn
}

func (w *wsSubscription) setConn(conn *websocket.Conn) error {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.closed {
		conn.Close()
		return errDisposed
	}
	w.conn = conn
	return nil
}

func (w *wsSubscription) close() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *wsSubscription) run(ctx context.Context) {
	defer close(w.done)

	activeSubscriptions.WithLabelValues("websocket").Inc()
	defer activeSubscriptions.WithLabelValues("websocket").Dec()

	for {
		err := w.readLoop(w.current())
		if ctx.Err() != nil {
			return
		}

		subscriptionErrors.WithLabelValues("websocket").Inc()
		w.logger.Error("realtime socket dropped", "err", fmt.Errorf("%w: %w", feed.ErrSubscription, err))

		err = reconnect(ctx, w.logger, "websocket", w.backoff, func() error {
			conn, _, err := w.dialer.DialContext(ctx, w.socketURL, w.header)
			if err != nil {
				return err
			}
			if err := w.setConn(conn); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		})
		if err != nil {
			w.logger.Info("giving up on realtime socket", "err", err)
			return
		}

		reconnectsTotal.WithLabelValues("websocket").Inc()
		w.logger.Info("reconnected to realtime socket")
	}
}

func (w *wsSubscription) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		deliver(w.logger, "websocket", w.scope, msg, w.onEvent)
	}
}
