package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
)

// wsFixture upgrades every request and hands the server side of each
// connection to the test.
type wsFixture struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- c
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// dial opens one websocket and returns both ends.
func (f *wsFixture) dial(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	select {
	case s := <-f.conns:
		return s, c
	case <-time.After(time.Second):
		t.Fatal("no server-side connection")
		return nil, nil
	}
}

func readEvent(t *testing.T, c *websocket.Conn) notify.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	var evt notify.Event
	require.NoError(t, c.ReadJSON(&evt))
	return evt
}

func TestSessionSendDelivers(t *testing.T) {
	f := newWSFixture(t)
	server, client := f.dial(t)

	reg := NewWSRegistry()
	sess := reg.Add("c1", server)

	require.NoError(t, sess.Send(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t1"}}))
	evt := readEvent(t, client)
	require.Equal(t, notify.EventTripUpdated, evt.Type)
	require.Equal(t, "t1", evt.Trip.ID)
}

func TestAddReplacesAndClosesOldSession(t *testing.T) {
	f := newWSFixture(t)
	server1, client1 := f.dial(t)
	server2, client2 := f.dial(t)

	reg := NewWSRegistry()
	reg.Add("c1", server1)
	sess2 := reg.Add("c1", server2)

	// the first connection was closed by the replacement
	require.NoError(t, client1.SetReadDeadline(time.Now().Add(time.Second)))
	var evt notify.Event
	require.Error(t, client1.ReadJSON(&evt))

	// the second one is live and registered
	require.Same(t, sess2, reg.sessions["c1"])
	require.NoError(t, sess2.Send(notify.Event{Type: notify.EventTripCreated, Trip: &models.Trip{ID: "t1"}}))
	readEvent(t, client2)
}

func TestRemoveIgnoresStaleSession(t *testing.T) {
	f := newWSFixture(t)
	server1, _ := f.dial(t)
	server2, client2 := f.dial(t)

	reg := NewWSRegistry()
	sess1 := reg.Add("c1", server1)
	sess2 := reg.Add("c1", server2) // client reconnected

	// cleanup for the dead first connection runs after the replacement;
	// it must not evict or close the fresh session
	reg.Remove("c1", sess1)
	require.Same(t, sess2, reg.sessions["c1"])
	require.NoError(t, sess2.Send(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t1"}}))
	readEvent(t, client2)

	// removing with the current session does evict
	reg.Remove("c1", sess2)
	_, ok := reg.sessions["c1"]
	require.False(t, ok)
}

func TestPumpForwardsUntilSubscriptionCloses(t *testing.T) {
	f := newWSFixture(t)
	server, client := f.dial(t)

	bus := notify.NewBus()
	defer bus.Close()
	sub := bus.Subscribe([]notify.Topic{notify.TripTopic("t1")}, nil)
	sess := &WSSession{conn: server}

	done := make(chan struct{})
	go func() {
		Pump(sub, sess)
		close(done)
	}()

	bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t1"}})
	evt := readEvent(t, client)
	require.Equal(t, "t1", evt.Trip.ID)

	sub.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after unsubscribe")
	}
}

func TestPumpStopsWhenClientGone(t *testing.T) {
	f := newWSFixture(t)
	server, client := f.dial(t)
	require.NoError(t, client.Close())

	bus := notify.NewBus()
	defer bus.Close()
	sub := bus.Subscribe([]notify.Topic{notify.TripTopic("t1")}, nil)
	sess := &WSSession{conn: server}

	done := make(chan struct{})
	go func() {
		Pump(sub, sess)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t1"}})
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	// pump owns the subscription and released it on exit
	_, open := <-sub.C()
	require.False(t, open)
}
