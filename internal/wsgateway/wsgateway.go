// Package wsgateway upgrades authenticated HTTP requests to WebSocket
// sessions and bridges them to an EventBus hub (spec.md §6 WS framing
// table). It is the only consumer of EventBus from the transport side:
// RuntimeSupervisor and InstallPipeline publish, wsgateway subscribes and
// relays.
package wsgateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pkglat/lightd/internal/auth"
	"github.com/pkglat/lightd/internal/eventbus"
)

const (
	writeDeadline    = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = (pongWait * 9) / 10
	inboundRateLimit = 5 // frames per second
	inboundBurst     = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin is left permissive: lightd sits behind an operator's own
	// reverse proxy, which is the layer responsible for origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TokenValidator authenticates the bearer token and Accept header a WS
// upgrade request carries (spec.md §6) for the internal_id being
// requested, returning an error when access is refused. lightd itself has no notion of
// accounts or scopes; that policy lives entirely behind this seam.
type TokenValidator interface {
	Validate(internalID, token, acceptHeader string) error
}

// Runtime is the subset of RuntimeSupervisor a gateway session can drive
// from inbound frames.
type Runtime interface {
	SendCommand(internalID string, data []byte) error
	Power(internalID, action string) error
}

// Gateway upgrades and serves WebSocket sessions for one container's
// EventBus hub.
type Gateway struct {
	hubs      *eventbus.Registry
	validator TokenValidator
	runtime   Runtime
	logger    *slog.Logger
}

// New constructs a Gateway.
func New(hubs *eventbus.Registry, validator TokenValidator, runtime Runtime, logger *slog.Logger) *Gateway {
	return &Gateway{hubs: hubs, validator: validator, runtime: runtime, logger: logger}
}

// inboundFrame is the tagged union spec.md §6 defines for client-to-server
// frames: send_command, power, request_logs.
type inboundFrame struct {
	Event   string `json:"event"`
	Command string `json:"command,omitempty"`
	Action  string `json:"action,omitempty"`
}

// ServeWS handles GET /ws/:id?token=... It validates the bearer token and
// Accept header, upgrades the connection, then runs the session until the
// client disconnects or a write deadline is exceeded.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, internalID string) {
	token := r.URL.Query().Get("token")
	accept := r.Header.Get("Accept")
	if authHeader := r.Header.Get("Authorization"); token == "" && authHeader != "" {
		token = auth.ExtractBearer(authHeader)
	}

	if err := g.validator.Validate(internalID, token, accept); err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "internal_id", internalID, "error", err)
		return
	}

	session := &wsSession{
		conn:       conn,
		hub:        g.hubs.HubFor(internalID),
		internalID: internalID,
		runtime:    g.runtime,
		logger:     g.logger,
		limiter:    rate.NewLimiter(inboundRateLimit, inboundBurst),
	}
	session.run()
}

// wsSession is one live connection: one reader goroutine decoding inbound
// frames, the calling goroutine relaying outbound EventBus events until
// either side closes.
type wsSession struct {
	conn       *websocket.Conn
	hub        *eventbus.Hub
	internalID string
	runtime    Runtime
	logger     *slog.Logger
	limiter    *rate.Limiter
}

func (s *wsSession) run() {
	defer s.conn.Close()

	stream, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	inbound := make(chan inboundFrame)
	readErr := make(chan error, 1)
	go s.readLoop(inbound, readErr)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := s.writeEvent(event); err != nil {
				return
			}
		case frame := <-inbound:
			s.handleInbound(frame)
		case err := <-readErr:
			if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "internal_id", s.internalID, "error", err)
			}
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) readLoop(inbound chan<- inboundFrame, readErr chan<- error) {
	for {
		if !s.limiter.Allow() {
			// drop the flood rather than decode it; the connection stays
			// open so a buggy client self-corrects instead of being
			// punished for one burst.
			var discard json.RawMessage
			if err := s.conn.ReadJSON(&discard); err != nil {
				readErr <- err
				return
			}
			continue
		}

		var frame inboundFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			readErr <- err
			return
		}
		inbound <- frame
	}
}

func (s *wsSession) handleInbound(frame inboundFrame) {
	switch frame.Event {
	case "send_command":
		if err := s.runtime.SendCommand(s.internalID, []byte(frame.Command)); err != nil {
			s.hub.PublishDaemonMessage("send_command failed: " + err.Error())
		}
	case "power":
		if err := s.runtime.Power(s.internalID, frame.Action); err != nil {
			s.hub.PublishDaemonMessage("power " + frame.Action + " failed: " + err.Error())
		}
	case "request_logs":
		s.emit(s.hub.HistorySnapshot())
	default:
		s.hub.PublishDaemonMessage("unrecognized frame: " + frame.Event)
	}
}

func (s *wsSession) emit(event eventbus.Event) {
	if err := s.writeEvent(event); err != nil {
		s.logger.Debug("failed to emit event on demand", "internal_id", s.internalID, "error", err)
	}
}

func (s *wsSession) writeEvent(event eventbus.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := s.conn.WriteJSON(event)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("websocket write failed, closing session", "internal_id", s.internalID, "error", err)
	}
	return err
}
