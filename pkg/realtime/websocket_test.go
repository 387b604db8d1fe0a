package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketServer accepts realtime clients and lets the test push envelopes to
// or drop the most recent one.
type socketServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []string
	joined  chan struct{}
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{joined: make(chan struct{}, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.queries = append(s.queries, r.URL.RawQuery)
		s.mu.Unlock()
		s.joined <- struct{}{}

		// Drain until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *socketServer) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *socketServer) send(t *testing.T, env Envelope) {
	t.Helper()
	require.NoError(t, s.latest().WriteJSON(env))
}

func (s *socketServer) waitJoin(t *testing.T) {
	t.Helper()
	select {
	case <-s.joined:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
}

type eventSink struct {
	ch chan feed.Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan feed.Event, 16)}
}

func (s *eventSink) onEvent(ev feed.Event) {
	s.ch <- ev
}

func (s *eventSink) next(t *testing.T) feed.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
		return feed.Event{}
	}
}

func TestWebsocketSubscriber_DeliversScopedEvents(t *testing.T) {
	server := newSocketServer(t)

	sub, err := NewWebsocketSubscriber(testLogger(), server.url()+"/realtime?vsn=1", "gigs", "anon-key")
	require.NoError(t, err)

	sink := newEventSink()
	h, err := sub.Subscribe(context.Background(), feed.Filter{Category: "plumbing", PageSize: 20}, sink.onEvent)
	require.NoError(t, err)
	defer h.Dispose()

	server.waitJoin(t)
	assert.Equal(t, "category=plumbing&table=gigs&vsn=1", server.queries[0])

	at := time.Now()
	server.send(t, NewEnvelope("gigs", feed.Event{Kind: feed.EventInsert, Record: gig("other", "electrical", "open")}, at))
	server.send(t, NewEnvelope("vendors", feed.Event{Kind: feed.EventInsert, Record: gig("vendor", "plumbing", "open")}, at))
	require.NoError(t, server.latest().WriteMessage(websocket.TextMessage, []byte("garbage")))
	server.send(t, NewEnvelope("gigs", feed.Event{Kind: feed.EventInsert, Record: gig("g1", "plumbing", "open")}, at))
	server.send(t, NewEnvelope("gigs", feed.Event{Kind: feed.EventDelete, Record: feed.Record{ID: "g0"}}, at))

	ev := sink.next(t)
	assert.Equal(t, feed.EventInsert, ev.Kind)
	assert.Equal(t, "g1", ev.Record.ID)

	ev = sink.next(t)
	assert.Equal(t, feed.EventDelete, ev.Kind)
	assert.Equal(t, "g0", ev.Record.ID)
}

func TestWebsocketSubscriber_ReconnectsAfterDrop(t *testing.T) {
	server := newSocketServer(t)

	sub, err := NewWebsocketSubscriber(testLogger(), server.url(), "gigs", "")
	require.NoError(t, err)
	sub.Backoff = Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	sink := newEventSink()
	h, err := sub.Subscribe(context.Background(), feed.Filter{PageSize: 20}, sink.onEvent)
	require.NoError(t, err)
	defer h.Dispose()

	server.waitJoin(t)
	require.NoError(t, server.latest().Close())

	server.waitJoin(t)
	server.send(t, NewEnvelope("gigs", feed.Event{Kind: feed.EventUpdate, Record: gig("g1", "plumbing", "open")}, time.Now()))

	ev := sink.next(t)
	assert.Equal(t, feed.EventUpdate, ev.Kind)
}

func TestWebsocketSubscriber_DisposeStopsDelivery(t *testing.T) {
	server := newSocketServer(t)

	sub, err := NewWebsocketSubscriber(testLogger(), server.url(), "gigs", "")
	require.NoError(t, err)

	sink := newEventSink()
	h, err := sub.Subscribe(context.Background(), feed.Filter{PageSize: 20}, sink.onEvent)
	require.NoError(t, err)
	server.waitJoin(t)

	require.NoError(t, h.Dispose())
	require.NoError(t, h.Dispose())

	// The server sees the close and no reconnect follows.
	select {
	case <-server.joined:
		t.Fatal("disposed subscription reconnected")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, sink.ch)
}

func TestWebsocketSubscriber_DialFailure(t *testing.T) {
	server := newSocketServer(t)
	u := server.url()
	server.srv.Close()

	sub, err := NewWebsocketSubscriber(testLogger(), u, "gigs", "")
	require.NoError(t, err)

	_, err = sub.Subscribe(context.Background(), feed.Filter{PageSize: 20}, func(feed.Event) {})
	assert.ErrorIs(t, err, feed.ErrSubscription)

	_, err = NewWebsocketSubscriber(testLogger(), "http://localhost/realtime", "gigs", "")
	assert.Error(t, err)
	_, err = NewWebsocketSubscriber(testLogger(), "ws://localhost/realtime", "", "")
	assert.Error(t, err)
}
