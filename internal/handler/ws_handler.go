package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/middleware"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
	"github.com/stemsi/exstem-integrity/internal/validator"
	ws "github.com/stemsi/exstem-integrity/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler runs the lockdown channel between the taker's agent and its
// session machine.
type WSHandler struct {
	sessions  *service.SessionService
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// NewWSHandler creates a new WSHandler. heartbeat is how often a connected
// session refreshes its liveness key.
func NewWSHandler(sessions *service.SessionService, log zerolog.Logger, allowedOrigins []string, heartbeat time.Duration) *WSHandler {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &WSHandler{
		sessions:  sessions,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
		heartbeat: heartbeat,
	}
}

// SessionStream godoc
// GET /ws/v1/assessments/:id/session
// Opens (or reattaches to) the taker's session and relays actions and
// session notices until the connection closes.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	assessmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.TakeRequest
	if fields := validator.BindQuery(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Str("user_id", claims.UserID).
		Str("assessment_id", assessmentID.String()).
		Logger()

	client := ws.NewClient(conn, wsLog)
	defer client.Close()

	taker := service.Taker{
		UserID:    claims.UserID,
		Email:     claims.Email,
		IP:        c.ClientIP(),
		Anonymous: claims.Anonymous,
	}

	// Session calls are scoped to the connection, not the upgrade request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	at, err := h.sessions.Open(ctx, assessmentID, taker, req, integrity.ObserverFunc(func(n integrity.Notice) {
		relayNotice(client, n)
	}))
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			wsLog.Error().Err(err).Msg("Failed to open session")
		}
		client.Error("", string(code), response.GetMessage(code))
		return
	}
	defer h.sessions.Detach(at)

	wsLog = wsLog.With().Str("session_id", at.ID().String()).Logger()
	wsLog.Info().Bool("resumed", at.Resumed).Msg("Taker connected")

	snap, err := at.Snapshot()
	if err != nil {
		client.Error("", string(response.ErrSessionClosed), response.GetMessage(response.ErrSessionClosed))
		return
	}
	_ = client.Send(ws.SessionResponse{
		Event:      ws.EventSession,
		Resumed:    at.Resumed,
		Assessment: at.Payload,
		Session:    snap,
	})

	go h.keepAlive(ctx, client, at.LiveSession)

	for {
		var raw json.RawMessage
		if err := client.Read(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			client.Error("", string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			continue
		}
		h.dispatch(ctx, client, at, env.Action, raw, wsLog)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client *ws.Client, at *service.Attachment, action ws.Action, raw json.RawMessage, log zerolog.Logger) {
	var err error
	var snapshot bool

	switch action {
	case ws.ActionBegin:
		var req ws.BeginRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			client.Error(action, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			return
		}
		err = h.begin(ctx, client, at, req)

	case ws.ActionSignal:
		var req ws.SignalRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			client.Error(action, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			return
		}
		// Signals are fire-and-forget; denials and warnings come back as events.
		if err := at.Signal(req.Signal); err != nil {
			h.reply(client, action, err, log)
		}
		return

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := json.Unmarshal(raw, &req); err != nil || req.QuestionID == uuid.Nil {
			client.Error(action, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			return
		}
		err = at.RecordAnswer(req.QuestionID, req.Answer)

	case ws.ActionAdvance:
		err = at.Advance()
		snapshot = true

	case ws.ActionBack:
		err = at.Back()
		snapshot = true

	case ws.ActionSubmit:
		err = at.Submit()

	case ws.ActionRetrySync:
		err = at.RetrySync()

	case ws.ActionPing:
		h.sessions.Beat(ctx, at.LiveSession)
		_ = client.Send(ws.PongResponse{Event: ws.EventPong})
		return

	default:
		log.Warn().Str("action", string(action)).Msg("Unknown action")
		client.Error(action, string(response.ErrInvalidPayload), "unknown action: "+string(action))
		return
	}

	if err != nil {
		h.reply(client, action, err, log)
		return
	}

	ack := ws.AckResponse{Event: ws.EventAck, Action: action}
	if snapshot {
		if snap, err := at.Snapshot(); err == nil {
			ack.Session = &snap
		}
	}
	_ = client.Send(ack)
}

// begin binds the agent's acquired resources into a lockdown context and
// starts the session, or rebinds an Active session after a reconnect.
func (h *WSHandler) begin(ctx context.Context, client *ws.Client, at *service.Attachment, req ws.BeginRequest) error {
	lc := &integrity.LockdownContext{
		Denier: integrity.DenierFunc(func(sig integrity.Signal) {
			_ = client.Send(ws.DenyResponse{Event: ws.EventDeny, Signal: sig})
		}),
	}
	if req.Fullscreen {
		lc.Fullscreen = releaseHandle(client, string(integrity.CapFullscreen))
	}
	if req.Capture {
		lc.Capture = releaseHandle(client, string(integrity.CapCapture))
	}

	snap, err := at.Snapshot()
	if err != nil {
		return err
	}
	if snap.State == model.StateActive {
		return at.Resume(lc)
	}
	return h.sessions.Begin(ctx, at.LiveSession, lc)
}

func releaseHandle(client *ws.Client, resource string) integrity.Handle {
	return integrity.HandleFunc(func() error {
		return client.Send(ws.ReleaseResponse{Event: ws.EventRelease, Resource: resource})
	})
}

func (h *WSHandler) reply(client *ws.Client, action ws.Action, err error, log zerolog.Logger) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("action", string(action)).Msg("Session action failed")
	}
	client.Error(action, string(code), response.GetMessage(code))
}

// keepAlive refreshes the heartbeat while the connection is open.
func (h *WSHandler) keepAlive(ctx context.Context, client *ws.Client, ls *service.LiveSession) {
	t := time.NewTicker(h.heartbeat)
	defer t.Stop()

	h.sessions.Beat(ctx, ls)
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			h.sessions.Beat(ctx, ls)
		}
	}
}

// relayNotice forwards the notices a taker cares about. Violations reach
// the taker as warnings; saved answers are only for persistence.
func relayNotice(client *ws.Client, n integrity.Notice) {
	switch n.Type {
	case integrity.NoticeState:
		_ = client.Send(ws.NoticeResponse{Event: ws.EventState, Notice: n})
	case integrity.NoticeWarn:
		_ = client.Send(ws.NoticeResponse{Event: ws.EventWarn, Notice: n})
	case integrity.NoticeTimeWarning:
		_ = client.Send(ws.NoticeResponse{Event: ws.EventTimeWarning, Notice: n})
	case integrity.NoticeSync:
		if n.Sync == model.SyncSynced && n.Result != nil {
			_ = client.Send(ws.GradedResponse{Event: ws.EventGraded, Result: *n.Result})
		}
		_ = client.Send(ws.NoticeResponse{Event: ws.EventSync, Notice: n})
	}
}
