package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"worth/internal/models"
	"worth/internal/netutil"
	"worth/internal/presence"
	"worth/internal/protocol"
)

const (
	notifyWriteWait  = 10 * time.Second
	notifyPongWait   = 60 * time.Second
	notifyPingPeriod = 54 * time.Second
	notifyReadLimit  = 512
)

var errSinkFull = errors.New("notification queue full")

// handleNotify upgrades an authenticated request to the websocket that
// carries presence and chat-route notifications for one account.
func (s *Server) handleNotify(c *gin.Context) {
	token := c.Query("token")
	user, ok := s.directory.UserForToken(token)
	if !ok {
		s.respondError(c, http.StatusUnauthorized, fmt.Errorf("notification channel: %w", models.ErrUnauthenticated))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("user", user), slog.String("error", err.Error()))
		return
	}

	sink := newWSSink(conn, user, token, s.opts.NotifyBuffer, s.logger)
	if err := s.directory.Register(sink); err != nil {
		s.logger.Warn("notification sink rejected", slog.String("user", user), slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"),
			time.Now().Add(notifyWriteWait))
		_ = conn.Close()
		return
	}

	go sink.writePump()
	go sink.readPump(s.directory)
}

// wsSink is a presence.Sink backed by a websocket. Deliver enqueues without
// blocking; writePump drains the queue.
type wsSink struct {
	conn   *websocket.Conn
	user   string
	token  string
	logger *slog.Logger

	mu     sync.Mutex
	send   chan protocol.Notification
	closed bool
}

func newWSSink(conn *websocket.Conn, user, token string, buffer int, logger *slog.Logger) *wsSink {
	return &wsSink{
		conn:   conn,
		user:   user,
		token:  token,
		logger: logger.With(slog.String("user", user), slog.String("remote", conn.RemoteAddr().String())),
		send:   make(chan protocol.Notification, buffer),
	}
}

func (w *wsSink) Username() string { return w.user }
func (w *wsSink) Token() string    { return w.token }

func (w *wsSink) Deliver(n protocol.Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return presence.ErrSinkClosed
	}
	select {
	case w.send <- n:
		return nil
	default:
		return errSinkFull
	}
}

// Close stops the write pump, which then closes the websocket.
func (w *wsSink) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.send)
	}
}

// readPump discards client frames and keeps the read deadline alive. When the
// peer goes away the sink is unregistered.
func (w *wsSink) readPump(directory *presence.Directory) {
	defer func() {
		directory.Unregister(w)
		w.Close()
	}()

	w.conn.SetReadLimit(notifyReadLimit)
	if err := w.conn.SetReadDeadline(time.Now().Add(notifyPongWait)); err != nil {
		w.logger.Warn("set read deadline", slog.String("error", err.Error()))
		return
	}
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(notifyPongWait))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!netutil.IsExpectedCloseError(err) {
				w.logger.Warn("notification channel read", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump writes queued notifications and pings until the sink is closed.
func (w *wsSink) writePump() {
	ticker := time.NewTicker(notifyPingPeriod)
	defer func() {
		ticker.Stop()
		if err := w.conn.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			w.logger.Warn("close notification channel", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case n, ok := <-w.send:
			if err := w.conn.SetWriteDeadline(time.Now().Add(notifyWriteWait)); err != nil {
				return
			}
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				w.logger.Error("encode notification", slog.String("error", err.Error()))
				continue
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				w.logger.Debug("write notification", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := w.conn.SetWriteDeadline(time.Now().Add(notifyWriteWait)); err != nil {
				return
			}
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
