package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"studysync/internal/crdt"
	"studysync/internal/metrics"
	"studysync/internal/model"
	"studysync/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// Error codes carried in error frames
const (
	CodeBadRequest      = "bad_request"
	CodeUnknownType     = "unknown_type"
	CodeForbidden       = "forbidden"
	CodeNotJoined       = "not_joined"
	CodeMalformedUpdate = "malformed_update"
	CodeBusy            = "busy"
	CodeInternal        = "internal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // connections authenticate by token
	},
}

// Handler upgrades authenticated requests and dispatches their frames
type Handler struct {
	hub            *Hub
	authSvc        *service.AuthService
	sessions       *service.SessionService
	lifecycle      *service.Lifecycle
	relay          *service.DocumentRelay
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, authSvc *service.AuthService, sessions *service.SessionService, lifecycle *service.Lifecycle, relay *service.DocumentRelay, requestTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		hub:            hub,
		authSvc:        authSvc,
		sessions:       sessions,
		lifecycle:      lifecycle,
		relay:          relay,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ServeWS handles GET /v1/ws
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.authSvc.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Connection{
		ID:     uuid.NewString(),
		UserID: claims.UserID,
		Send:   make(chan []byte, sendQueueSize),
	}
	h.hub.Register(conn)
	h.lifecycle.Connect(service.Caller{ConnID: conn.ID, UserID: conn.UserID})
	metrics.ConnectionOpened()

	h.logger.Info("connection opened", zap.String("conn", conn.ID), zap.String("user", conn.UserID))

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	caller := service.Caller{ConnID: conn.ID, UserID: conn.UserID}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
		h.lifecycle.Disconnect(ctx, caller)
		cancel()
		h.hub.Unregister(conn)
		metrics.ConnectionClosed()
		wsConn.Close()
		h.logger.Info("connection closed", zap.String("conn", conn.ID), zap.String("user", conn.UserID))
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("conn", conn.ID), zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			h.replyError(caller, "", CodeBadRequest, "frame is not a message envelope")
			continue
		}

		// frames are handled one at a time so a connection's requests
		// apply in the order it sent them
		ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
		h.dispatch(ctx, caller, &env)
		cancel()
	}
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, caller service.Caller, env *Envelope) {
	switch env.Type {
	case model.MsgJoinSession:
		h.joinSession(ctx, caller, env)
	case model.MsgProposeMove:
		h.proposeMove(ctx, caller, env)
	case model.MsgExitSession:
		h.exitSession(ctx, caller, env)
	case model.MsgKeepAlive:
		h.keepAlive(ctx, caller, env)
	case model.MsgJoinDocument:
		h.joinDocument(ctx, caller, env)
	case model.MsgLeaveDocument:
		h.leaveDocument(ctx, caller, env)
	case model.MsgDocumentUpdate:
		h.documentFragment(ctx, caller, env, h.relay.Update)
	case model.MsgAwarenessUpdate:
		h.documentFragment(ctx, caller, env, h.relay.Awareness)
	default:
		h.replyError(caller, env.RequestID, CodeUnknownType, "unknown message type "+env.Type)
	}
}

// decode parses the envelope payload into v, answering with an error frame
// when it can't
func (h *Handler) decode(caller service.Caller, env *Envelope, v interface{}) bool {
	if len(env.Payload) == 0 {
		h.replyError(caller, env.RequestID, CodeBadRequest, env.Type+" requires a payload")
		return false
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		h.replyError(caller, env.RequestID, CodeBadRequest, "invalid "+env.Type+" payload")
		return false
	}
	return true
}

func resolveRef(caller service.Caller, ref model.SessionRef) model.SessionRef {
	if ref.OwnerID == "" {
		ref.OwnerID = caller.UserID
	}
	return ref
}

func (h *Handler) joinSession(ctx context.Context, caller service.Caller, env *Envelope) {
	var ref model.SessionRef
	if !h.decode(caller, env, &ref) {
		return
	}

	sess, err := h.sessions.Join(ctx, caller, ref)
	if err != nil {
		h.replyServiceError(caller, env, err)
		return
	}
	if sess == nil {
		h.hub.Reply(caller.ConnID, env.RequestID, model.MsgNoActiveSession, resolveRef(caller, ref))
		return
	}
	h.hub.Reply(caller.ConnID, env.RequestID, model.MsgSessionState, model.NewSessionState(sess))
}

func (h *Handler) proposeMove(ctx context.Context, caller service.Caller, env *Envelope) {
	var req model.ProposeMoveRequest
	if !h.decode(caller, env, &req) {
		return
	}
	if req.Move.Type == "" {
		h.replyError(caller, env.RequestID, CodeBadRequest, "move type is required")
		return
	}

	outcome, err := h.sessions.Propose(ctx, caller, &req)
	if err != nil {
		h.replyServiceError(caller, env, err)
		return
	}

	key := outcome.SessionID
	if key == "" {
		ref := resolveRef(caller, model.SessionRef{OwnerID: req.OwnerID, RoomID: req.RoomID})
		key = model.SessionKey(ref.OwnerID, ref.RoomID)
	}
	if outcome.Accepted {
		h.hub.Reply(caller.ConnID, env.RequestID, model.MsgMoveAccepted, &model.MoveAccepted{
			SessionID: key,
			Move:      outcome.Move,
			Version:   outcome.Version,
		})
		return
	}

	rejected := &model.MoveRejected{
		Reason:        outcome.Reason,
		Move:          outcome.Move,
		ServerState:   outcome.ServerState,
		ServerVersion: outcome.ServerVersion,
	}
	if outcome.Reason != model.ReasonNoActiveSession {
		rejected.SessionID = key
	}
	h.hub.Reply(caller.ConnID, env.RequestID, model.MsgMoveRejected, rejected)
}

func (h *Handler) exitSession(ctx context.Context, caller service.Caller, env *Envelope) {
	var ref model.SessionRef
	if !h.decode(caller, env, &ref) {
		return
	}
	ref = resolveRef(caller, ref)
	if ref.OwnerID != caller.UserID {
		h.replyError(caller, env.RequestID, CodeForbidden, model.ErrIdentityMismatch.Error())
		return
	}

	// on success the exiting connection hears session-ended with everyone else
	if _, err := h.sessions.Exit(ctx, caller, ref); err != nil {
		if errors.Is(err, model.ErrNoActiveSession) {
			h.hub.Reply(caller.ConnID, env.RequestID, model.MsgNoActiveSession, ref)
			return
		}
		h.replyServiceError(caller, env, err)
	}
}

func (h *Handler) keepAlive(ctx context.Context, caller service.Caller, env *Envelope) {
	var ref model.SessionRef
	if !h.decode(caller, env, &ref) {
		return
	}

	sess, err := h.sessions.KeepAlive(ctx, caller, ref)
	if err != nil {
		h.replyServiceError(caller, env, err)
		return
	}
	if sess == nil {
		h.hub.Reply(caller.ConnID, env.RequestID, model.MsgNoActiveSession, resolveRef(caller, ref))
		return
	}
	h.hub.Reply(caller.ConnID, env.RequestID, model.MsgSessionRefreshed, &model.SessionRefreshed{
		SessionID: sess.ID,
		Version:   sess.Version,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *Handler) joinDocument(ctx context.Context, caller service.Caller, env *Envelope) {
	var req model.DocumentJoin
	if !h.decode(caller, env, &req) {
		return
	}
	if req.RoomID == "" {
		h.replyError(caller, env.RequestID, CodeBadRequest, "roomId is required")
		return
	}

	if err := h.lifecycle.JoinDocument(ctx, caller, req.RoomID, req.StateVector); err != nil {
		h.replyServiceError(caller, env, err)
	}
}

func (h *Handler) leaveDocument(ctx context.Context, caller service.Caller, env *Envelope) {
	var req model.DocumentRef
	if !h.decode(caller, env, &req) {
		return
	}
	if req.RoomID == "" {
		h.replyError(caller, env.RequestID, CodeBadRequest, "roomId is required")
		return
	}

	h.lifecycle.LeaveDocument(ctx, caller, req.RoomID)
	h.hub.Reply(caller.ConnID, env.RequestID, model.MsgDocumentLeft, &req)
}

type fragmentFunc func(ctx context.Context, caller service.Caller, roomID string, fragment []byte) error

func (h *Handler) documentFragment(ctx context.Context, caller service.Caller, env *Envelope, apply fragmentFunc) {
	var req model.DocumentFragment
	if !h.decode(caller, env, &req) {
		return
	}
	if req.RoomID == "" || len(req.Fragment) == 0 {
		h.replyError(caller, env.RequestID, CodeBadRequest, "roomId and fragment are required")
		return
	}

	if err := apply(ctx, caller, req.RoomID, req.Fragment); err != nil {
		h.replyServiceError(caller, env, err)
	}
}

func (h *Handler) replyError(caller service.Caller, requestID, code, message string) {
	h.hub.Reply(caller.ConnID, requestID, model.MsgError, &model.ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// replyServiceError maps a service error to an error frame
func (h *Handler) replyServiceError(caller service.Caller, env *Envelope, err error) {
	switch {
	case errors.Is(err, model.ErrIdentityMismatch):
		h.replyError(caller, env.RequestID, CodeForbidden, err.Error())
	case errors.Is(err, model.ErrNotJoined):
		h.replyError(caller, env.RequestID, CodeNotJoined, err.Error())
	case errors.Is(err, crdt.ErrMalformedUpdate):
		h.replyError(caller, env.RequestID, CodeMalformedUpdate, err.Error())
	case errors.Is(err, model.ErrTooMuchContention):
		h.replyError(caller, env.RequestID, CodeBusy, "session is busy, retry")
	default:
		h.logger.Error("request failed",
			zap.String("type", env.Type),
			zap.String("conn", caller.ConnID),
			zap.Error(err))
		h.replyError(caller, env.RequestID, CodeInternal, "internal error")
	}
}
