package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	controlQueueSize = 16
	closeTimeout     = 5 * time.Second
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

// WSHandler serves the secure-test stream between the browser agent and a
// proctored session.
type WSHandler struct {
	proctors *service.ProctorService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(proctors *service.ProctorService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		proctors: proctors,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// control is a client action that may block on the browser agent and so
// runs off the reader goroutine.
type control struct {
	action ws.Action
	data   []byte
}

// streamNotifier forwards session notices to the agent, followed by a
// state event for everything except the per-second tick.
type streamNotifier struct {
	host    *ws.RemoteHost
	session atomic.Pointer[proctor.Session]
	log     zerolog.Logger
}

func (n *streamNotifier) Notify(notice proctor.Notice) {
	if err := n.host.Send(ws.NoticeEvent{Event: ws.EventNotice, Notice: notice}); err != nil {
		n.log.Debug().Err(err).Str("kind", string(notice.Kind)).Msg("Notice not delivered")
		return
	}
	if notice.Kind == proctor.NoticeTick {
		return
	}
	if s := n.session.Load(); s != nil {
		_ = n.host.Send(ws.StateEvent{Event: ws.EventState, Snapshot: s.Snapshot()})
	}
}

// SecureTestStream godoc
// WS /ws/v1/student/assignments/:assignment_id/secure
// The first message must be hello. Browser signals and command results are
// applied on the reader goroutine; everything else runs on a control
// goroutine so the reader stays free to deliver command results.
func (h *WSHandler) SecureTestStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	assignmentID, err := uuid.Parse(c.Param("assignment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("assignment_id", assignmentID.String()).
		Logger()

	// 1. Handshake
	action, data, err := ws.ReadRaw(conn)
	if err != nil && data == nil {
		wsLog.Debug().Err(err).Msg("Connection closed before hello")
		return
	}
	if err != nil || action != ws.ActionHello {
		writeCodeError(conn, response.ErrHelloRequired)
		return
	}
	var hello ws.HelloRequest
	if err := ws.Decode(data, &hello); err != nil {
		writeCodeError(conn, response.ErrInvalidPayload)
		return
	}

	host := ws.NewRemoteHost(conn, hello, wsLog)
	notifier := &streamNotifier{host: host, log: wsLog}

	// 2. Claim the attempt
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session, err := h.proctors.Open(ctx, assignmentID, studentID, host, notifier)
	if err != nil {
		_, code := proctorErrorCode(err)
		if code == response.ErrInternal {
			wsLog.Error().Err(err).Msg("Failed to open secure attempt")
		}
		writeCodeError(conn, code)
		return
	}
	notifier.session.Store(session)

	wsLog = wsLog.With().Str("session_id", session.ID().String()).Logger()
	wsLog.Info().Msg("Student connected to secure stream")

	controls := make(chan control, controlQueueSize)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		h.runControls(ctx, wsLog, host, session, controls)
	}()

	defer func() {
		// Fail pending commands first so the control goroutine unblocks.
		host.Close()
		cancel()
		wg.Wait()

		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		h.proctors.Close(closeCtx, session)
		closeCancel()
		wsLog.Info().Msg("Student disconnected from secure stream")
	}()

	_ = host.Send(ws.StateEvent{Event: ws.EventState, Snapshot: session.Snapshot()})

	// 3. Reader loop
	for {
		action, data, err := ws.ReadRaw(conn)
		if err != nil {
			if data != nil {
				sendCodeError(host, response.ErrInvalidPayload, nil)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch action {
		case ws.ActionSignal:
			var req ws.SignalRequest
			if err := ws.Decode(data, &req); err != nil {
				sendCodeError(host, response.ErrInvalidPayload, nil)
				continue
			}
			host.HandleSignal(req)

		case ws.ActionCommandResult:
			var res ws.CommandResultRequest
			if err := ws.Decode(data, &res); err != nil {
				sendCodeError(host, response.ErrInvalidPayload, nil)
				continue
			}
			host.HandleCommandResult(res)

		case ws.ActionPing:
			_ = host.Send(ws.PongResponse{Event: ws.EventPong})

		case ws.ActionBegin, ws.ActionAutosave, ws.ActionRequestExit,
			ws.ActionConfirmExit, ws.ActionCancelExit, ws.ActionRetrySubmission:
			select {
			case controls <- control{action: action, data: data}:
			default:
				sendCodeError(host, response.ErrRateLimitExceeded, nil)
			}

		default:
			wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
			sendCodeError(host, response.ErrUnknownAction, nil)
		}
	}
}

func (h *WSHandler) runControls(ctx context.Context, log zerolog.Logger, host *ws.RemoteHost, session *proctor.Session, controls <-chan control) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-controls:
			if err := h.applyControl(ctx, session, m); err != nil {
				var fields validationError
				if errors.As(err, &fields) {
					sendCodeError(host, response.ErrValidation, fields)
					continue
				}
				_, code := proctorErrorCode(err)
				if code == response.ErrInternal {
					log.Warn().Err(err).Str("action", string(m.action)).Msg("Control action failed")
					if m.action == ws.ActionRetrySubmission {
						code = response.ErrSubmissionFailed
					}
				}
				sendCodeError(host, code, nil)
				continue
			}
			_ = host.Send(ws.StateEvent{Event: ws.EventState, Snapshot: session.Snapshot()})
		}
	}
}

// validationError carries translated field errors of a control payload.
type validationError map[string]string

func (v validationError) Error() string { return "invalid payload" }

func (h *WSHandler) applyControl(ctx context.Context, session *proctor.Session, m control) error {
	switch m.action {
	case ws.ActionBegin:
		return session.Begin(ctx)

	case ws.ActionAutosave:
		var req ws.AutosaveRequest
		if err := decodeValid(m.data, &req); err != nil {
			return err
		}
		if session.Snapshot().State.IsTerminal() {
			return proctor.ErrTerminated
		}
		session.UpdateAnswer(model.Answer{Text: req.Text, Files: req.Files})
		return nil

	case ws.ActionRequestExit:
		return session.RequestExit()

	case ws.ActionConfirmExit:
		var req ws.ConfirmExitRequest
		if err := decodeValid(m.data, &req); err != nil {
			return err
		}
		return session.ConfirmExit(req.Justification)

	case ws.ActionCancelExit:
		return session.CancelExit()

	case ws.ActionRetrySubmission:
		retryCtx, cancel := context.WithTimeout(ctx, retryTimeout)
		defer cancel()
		return h.proctors.RetrySubmission(retryCtx, session)
	}
	return nil
}

func decodeValid(data []byte, v interface{}) error {
	if err := ws.Decode(data, v); err != nil {
		return validationError{"detail": err.Error()}
	}
	if fields := validator.Struct(v); fields != nil {
		return validationError(fields)
	}
	return nil
}

// writeCodeError writes directly to a connection that has no host yet.
func writeCodeError(conn *websocket.Conn, code response.ErrCode) {
	_ = ws.WriteError(conn, string(code), response.GetMessage(code))
}

func sendCodeError(host *ws.RemoteHost, code response.ErrCode, fields map[string]string) {
	_ = host.Send(ws.ErrorResponse{
		Event:  ws.EventError,
		Code:   string(code),
		Error:  response.GetMessage(code),
		Fields: fields,
	})
}
