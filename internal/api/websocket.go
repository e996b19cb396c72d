package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/store"
	"github.com/riffle-ai/riffle/internal/turn"
)

// Inbound websocket message types.
const (
	wsTypeChat = "chat"
	wsTypePing = "ping"
)

// wsInbound is one client-to-server websocket message.
type wsInbound struct {
	Type string `json:"type"`
	ChatRequest
}

// wsConnected is the out-of-band greeting sent on open.
type wsConnected struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// wsPong answers an out-of-band ping.
type wsPong struct {
	Type string `json:"type"`
}

// handleWebsocket runs the persistent duplex channel. One turn is processed
// at a time per connection: chat requests run synchronously in the read loop,
// so a ping received mid-turn is answered only after the turn's terminal
// event, never interleaved with it.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "no identity", s.logger)
		return
	}
	token := bearerToken(r)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		server: s,
		conn:   conn,
		user:   user,
		token:  token,
		logger: s.logger.With("component", "ws", "user", user.ID),
	}
	client.serve(r)
}

// checkOrigin admits configured origins and non-browser clients (no Origin
// header).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// wsClient is one websocket connection.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	user   *store.User
	token  string
	logger log.Logger

	writeMu sync.Mutex
}

func (c *wsClient) serve(r *http.Request) {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(maxRequestBytes)

	if err := c.writeJSON(wsConnected{Type: "connected", UserID: c.user.ID.String()}); err != nil {
		c.logger.Warn("writing connected greeting", "error", err)
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var inbound wsInbound
		if err := json.Unmarshal(raw, &inbound); err != nil {
			c.emit(turn.Error("invalid message"))
			continue
		}

		switch inbound.Type {
		case wsTypePing:
			if err := c.writeJSON(wsPong{Type: "pong"}); err != nil {
				return
			}

		case wsTypeChat:
			if !c.sessionStillValid(r) {
				// The session expired under an open connection. The policy
				// violation close code tells the client this is certain
				// expiry, no liveness probe needed.
				c.closeWith(websocket.ClosePolicyViolation, "session expired")
				return
			}
			c.runTurn(r, inbound.ChatRequest)

		default:
			c.emit(turn.Error("unknown message type"))
		}
	}
}

// sessionStillValid re-resolves the session token before each turn.
func (c *wsClient) sessionStillValid(r *http.Request) bool {
	_, err := c.server.cfg.Identity.UserByToken(r.Context(), c.token)
	return err == nil
}

func (c *wsClient) runTurn(r *http.Request, req ChatRequest) {
	turnReq, err := c.server.validateChatRequest(r, c.user, req)
	if err != nil {
		c.emit(turn.Error(err.Error()))
		return
	}

	sink := turn.SinkFunc(func(event turn.Event) error {
		return c.writeEvent(event)
	})
	_ = c.server.cfg.Runner.Run(r.Context(), turnReq, sink)
}

// writeEvent sends one turn event as a discrete text message. The payload is
// the same JSON the SSE channel puts in its data field.
func (c *wsClient) writeEvent(event turn.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) emit(event turn.Event) {
	if err := c.writeEvent(event); err != nil {
		c.logger.Debug("emit failed", "error", err)
	}
}

func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	message := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteMessage(websocket.CloseMessage, message); err != nil {
		c.logger.Debug("writing close frame", "error", err)
	}
}
