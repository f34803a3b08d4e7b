package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestChannel(t *testing.T) {
	if got := Channel("42"); got != "user-42" {
		t.Fatalf("Channel = %q", got)
	}
}

func TestHubDeliversOnlyToAddressedUser(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice, err := hub.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bob, err := hub.Subscribe(ctx, "u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := hub.Publish(ctx, "u1", []byte(`{"type":"lead_updated"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := string(receive(t, alice)); got != `{"type":"lead_updated"}` {
		t.Fatalf("unexpected payload %s", got)
	}
	select {
	case msg := <-bob.Messages():
		t.Fatalf("u2 should not receive u1's message, got %s", msg)
	default:
	}
}

func TestHubDropsWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	if err := hub.Publish(context.Background(), "nobody", []byte("x")); err != nil {
		t.Fatalf("publish without subscribers should succeed, got %v", err)
	}
}

func TestHubPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(context.Background(), "u1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*3; i++ {
			_ = hub.Publish(context.Background(), "u1", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubSubscriptionClose(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(context.Background(), "u1")
	if hub.subscribers("u1") != 1 {
		t.Fatal("expected one subscriber")
	}
	_ = sub.Close()
	_ = sub.Close()
	if hub.subscribers("u1") != 0 {
		t.Fatal("expected subscriber removed")
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected closed channel")
	}

	_ = hub.Close()
	if err := hub.Publish(context.Background(), "u1", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func setupTestRedis(t *testing.T) *RedisBroker {
	t.Helper()
	s := miniredis.RunT(t)
	broker, err := NewRedisBroker("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	if _, err := NewRedisBroker("not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	broker := setupTestRedis(t)
	ctx := context.Background()

	if err := broker.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	sub, err := broker.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := broker.Publish(ctx, "u1", []byte(`{"type":"lead_created"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := string(receive(t, sub)); got != `{"type":"lead_created"}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestRedisBrokerPublishWithoutSubscriber(t *testing.T) {
	broker := setupTestRedis(t)
	if err := broker.Publish(context.Background(), "ghost", []byte("x")); err != nil {
		t.Fatalf("Publish without subscribers should succeed, got %v", err)
	}
}

func TestParseJoin(t *testing.T) {
	cases := map[string]string{
		`{"event":"join-room","userId":"u1"}`: "u1",
		`{"userId":" u2 "}`:                   "u2",
		`"u3"`:                                "u3",
		`u4`:                                  "u4",
		`{"event":"leave","userId":"u5"}`:     "",
		`{broken`:                             "",
	}
	for input, want := range cases {
		if got := parseJoin([]byte(input)); got != want {
			t.Errorf("parseJoin(%s) = %q, want %q", input, got, want)
		}
	}
}

// tokenAuth treats the token query value as the user id.
func tokenAuth(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errors.New("no token")
}

func dialSession(t *testing.T, hub *Hub, query string) (net.Conn, error) {
	t.Helper()
	srv := httptest.NewServer(NewSessionHandler(hub, tokenAuth, nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+query)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, nil
}

func joinAs(t *testing.T, conn net.Conn, userID string) {
	t.Helper()
	if err := wsutil.WriteClientText(conn, []byte(`{"event":"join-room","userId":"`+userID+`"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	ack, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var joined serverFrame
	if err := json.Unmarshal(ack, &joined); err != nil || joined.Event != "joined" || joined.UserID != userID {
		t.Fatalf("unexpected ack %s (%v)", ack, err)
	}
}

func TestSessionHandlerRefusesUnauthenticatedDial(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	if _, err := dialSession(t, hub, ""); err == nil {
		t.Fatal("expected the handshake to be refused without a token")
	}
	if n := hub.subscribers("u1"); n != 0 {
		t.Fatalf("expected no subscriptions, got %d", n)
	}
}

func TestSessionHandlerRefusesJoinForAnotherUser(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	conn, err := dialSession(t, hub, "?token=u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wsutil.WriteClientText(conn, []byte(`{"event":"join-room","userId":"u1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	if frame, err := wsutil.ReadServerText(conn); err == nil {
		t.Fatalf("expected the session to be closed, got frame %s", frame)
	}
	if n := hub.subscribers("u1"); n != 0 {
		t.Fatalf("u2 must not subscribe to u1's channel, got %d subscriptions", n)
	}
}

func TestSessionHandlerForwardsChannelMessages(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	conn, err := dialSession(t, hub, "?token=u1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	joinAs(t, conn, "u1")

	if err := hub.Publish(context.Background(), "u1", []byte(`{"type":"lead_updated","message":"Lead Ada Lovelace has been updated"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	frame, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	var got struct {
		Event string `json:"event"`
		Data  struct {
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got.Event != "notification" || got.Data.Type != "lead_updated" {
		t.Fatalf("unexpected frame %s", frame)
	}
}

func TestSessionHandlerKeepsFramesIntactWhilePinged(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	conn, err := dialSession(t, hub, "?token=u1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	joinAs(t, conn, "u1")

	stop := make(chan struct{})
	pinged := make(chan struct{})
	go func() {
		defer close(pinged)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpPing, []byte("ping")); err != nil {
				return
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	payload := `{"type":"activity_created","message":"` + strings.Repeat("x", 4096) + `"}`
	for i := 0; i < 50; i++ {
		if err := hub.Publish(context.Background(), "u1", []byte(payload)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		// pongs are consumed by the control handler inside ReadServerData
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var got struct {
			Event string `json:"event"`
		}
		if op != ws.OpText || json.Unmarshal(data, &got) != nil || got.Event != "notification" {
			t.Fatalf("frame %d corrupted: op=%v %q", i, op, data)
		}
	}
	close(stop)
	<-pinged
}
