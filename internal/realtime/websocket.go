package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const joinTimeout = 10 * time.Second

type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

type joinFrame struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
}

type serverFrame struct {
	Event  string          `json:"event"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Authenticate resolves the user behind an upgrade request before any websocket is opened.
type Authenticate func(r *http.Request) (userID string, err error)

// SessionHandler upgrades an authenticated request to a websocket. The first client text
// frame names the user channel to join, either as {"event":"join-room","userId":"..."} or as
// the bare id, and must name the authenticated user. Afterwards every payload on that channel
// is forwarded as {"event":"notification","data":...}.
type SessionHandler struct {
	subscriber   Subscriber
	authenticate Authenticate
	logger       *slog.Logger
}

func NewSessionHandler(subscriber Subscriber, authenticate Authenticate, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{subscriber: subscriber, authenticate: authenticate, logger: logger}
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.authenticate(r)
	if err != nil || strings.TrimSpace(actorID) == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","error":"Not authorized, token failed"}`))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	sess := &session{conn: conn}

	userID, err := readJoin(conn)
	if err != nil {
		h.logger.Debug("websocket join failed", slog.String("error", err.Error()))
		return
	}
	if userID != actorID {
		h.logger.Warn("realtime join for another user refused",
			slog.String("user_id", actorID),
			slog.String("requested_user_id", userID),
		)
		_ = sess.close(ws.StatusPolicyViolation, "join does not match token")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub, err := h.subscriber.Subscribe(ctx, userID)
	if err != nil {
		h.logger.Error("realtime subscribe failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	defer sub.Close()

	if err := sess.writeFrame(serverFrame{Event: "joined", UserID: userID}); err != nil {
		return
	}
	h.logger.Debug("realtime session joined", slog.String("user_id", userID))

	// The client sends nothing after joining; a read error means it went away.
	go func() {
		defer cancel()
		_ = sess.drain()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			if !json.Valid(payload) {
				payload, _ = json.Marshal(string(payload))
			}
			if err := sess.writeFrame(serverFrame{Event: "notification", Data: payload}); err != nil {
				return
			}
		}
	}
}

// session serialises every frame written to conn. Control replies from the reader and
// notifications from the forwarding loop would otherwise interleave.
type session struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *session) writeFrame(frame serverFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.WriteServerText(s.conn, body)
}

func (s *session) close(code ws.StatusCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.WriteServerMessage(s.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

func (s *session) handleControl(hdr ws.Header, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.ControlFrameHandler(s.conn, ws.StateServerSide)(hdr, r)
}

// drain reads and discards client frames, answering pings and close requests, until the
// connection fails or the client closes it.
func (s *session) drain() error {
	rd := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: s.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := s.handleControl(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return err
		}
	}
}

func readJoin(conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return "", err
		}
		if op != ws.OpText {
			continue
		}
		if userID := parseJoin(data); userID != "" {
			return userID, nil
		}
	}
}

func parseJoin(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	var frame joinFrame
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
			return ""
		}
		if frame.Event != "" && frame.Event != "join-room" {
			return ""
		}
		return strings.TrimSpace(frame.UserID)
	}
	var quoted string
	if json.Unmarshal([]byte(trimmed), &quoted) == nil {
		return strings.TrimSpace(quoted)
	}
	return trimmed
}
