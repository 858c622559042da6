//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	defaultBaseURL = "http://localhost:8080"
	e2eStudentID   = 990001
	e2eAdminID     = 1
)

var (
	baseURL      string
	adminToken   string
	studentToken string
	assignmentID uuid.UUID
)

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../.env")

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	if err := setup(); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// setup seeds a proctored assignment and mints tokens against the same
// secret and Redis the server under test uses.
func setup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Load()
	log := zerolog.Nop()

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close(ctx)

	err = conn.QueryRow(ctx,
		`INSERT INTO assignments (title, requires_proctoring, max_warnings, time_limit_minutes)
		 VALUES ($1, TRUE, 3, 30) RETURNING id`,
		"E2E Secure Test "+time.Now().Format(time.RFC3339),
	).Scan(&assignmentID)
	if err != nil {
		return fmt.Errorf("seed assignment: %w", err)
	}

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer rdb.Close()

	authService := service.NewAuthService(cfg, rdb)
	studentToken, err = authService.GenerateStudentToken(ctx, e2eStudentID)
	if err != nil {
		return fmt.Errorf("student token: %w", err)
	}
	adminToken, err = authService.GenerateAdminToken(e2eAdminID, []string{string(model.PermissionProctoringRead)})
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}
	return nil
}

// ─── Browser Agent ──────────────────────────────────────────────────

// agent plays the browser side of the secure stream. Every command is
// acknowledged successfully so the server sees a cooperative host.
type agent struct {
	t    *testing.T
	conn *gorillaws.Conn
	seq  int64
}

type serverMessage struct {
	Event    ws.Event              `json:"event"`
	ID       string                `json:"id"`
	Command  ws.Command            `json:"command"`
	Notice   proctor.Notice        `json:"notice"`
	Snapshot model.ProctorSnapshot `json:"snapshot"`
	Code     string                `json:"code"`
	Error    string                `json:"error"`
}

func dialAgent(t *testing.T) *agent {
	t.Helper()
	u := strings.Replace(baseURL, "http", "ws", 1) +
		fmt.Sprintf("/ws/v1/student/assignments/%s/secure?token=%s", assignmentID, studentToken)

	conn, resp, err := gorillaws.DefaultDialer.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	a := &agent{t: t, conn: conn}
	a.send(ws.HelloRequest{
		Action: ws.ActionHello,
		Device: proctor.Device{ViewportWidth: 1920, ViewportHeight: 1080, UserAgent: "Mozilla/5.0 (X11; Linux x86_64) e2e"},
		Capabilities: []string{
			string(proctor.CapFullscreen), string(proctor.CapVisibility), string(proctor.CapFocus),
			string(proctor.CapClipboard), string(proctor.CapKeyboard), string(proctor.CapMedia),
		},
	})
	return a
}

func (a *agent) send(v interface{}) {
	a.t.Helper()
	require.NoError(a.t, a.conn.WriteJSON(v))
}

func (a *agent) signal(req ws.SignalRequest) {
	a.seq++
	req.Action = ws.ActionSignal
	req.Seq = a.seq
	a.send(req)
}

// await reads messages until match returns true, answering commands on the way.
func (a *agent) await(match func(serverMessage) bool) serverMessage {
	a.t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for {
		require.NoError(a.t, a.conn.SetReadDeadline(deadline))
		var msg serverMessage
		require.NoError(a.t, a.conn.ReadJSON(&msg))

		if msg.Event == ws.EventError {
			a.t.Fatalf("server error %s: %s", msg.Code, msg.Error)
		}
		if msg.Event == ws.EventCommand && msg.Command != ws.CommandStopStream {
			result := ws.CommandResultRequest{Action: ws.ActionCommandResult, ID: msg.ID, OK: true}
			if msg.Command == ws.CommandAcquireCamera || msg.Command == ws.CommandAcquireScreen {
				result.StreamID = uuid.NewString()
			}
			a.send(result)
		}
		if match(msg) {
			return msg
		}
	}
}

func stateIs(state model.ProctorState) func(serverMessage) bool {
	return func(m serverMessage) bool { return m.Event == ws.EventState && m.Snapshot.State == state }
}

func noticeIs(kind proctor.NoticeKind) func(serverMessage) bool {
	return func(m serverMessage) bool { return m.Event == ws.EventNotice && m.Notice.Kind == kind }
}

// ─── Admin API ──────────────────────────────────────────────────────

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func adminGet(t *testing.T, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/v1/admin"+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return resp.StatusCode
}

// ─── Flow ───────────────────────────────────────────────────────────

func TestSecureTestManualExitFlow(t *testing.T) {
	a := dialAgent(t)
	a.await(stateIs(model.ProctorStateIdle))

	a.send(map[string]string{"action": string(ws.ActionBegin)})
	started := a.await(stateIs(model.ProctorStateActive))
	assert.True(t, started.Snapshot.FullscreenEngaged)
	assert.True(t, started.Snapshot.Timed)

	// One tab switch is a warning, not a termination.
	a.signal(ws.SignalRequest{Kind: proctor.SignalVisibilityChange, Hidden: true})
	a.await(noticeIs(proctor.NoticeWarning))
	a.signal(ws.SignalRequest{Kind: proctor.SignalVisibilityChange, Hidden: false})

	a.send(ws.AutosaveRequest{Action: ws.ActionAutosave, Text: "final answer from the e2e agent"})

	a.send(map[string]string{"action": string(ws.ActionRequestExit)})
	a.await(noticeIs(proctor.NoticeExitPrompt))

	a.send(ws.ConfirmExitRequest{Action: ws.ActionConfirmExit, Justification: "feeling unwell, leaving early"})
	ended := a.await(stateIs(model.ProctorStateTerminated))
	require.NotNil(t, ended.Snapshot.TerminationReason)
	assert.Equal(t, model.TerminationManualExit, *ended.Snapshot.TerminationReason)

	a.await(noticeIs(proctor.NoticeSubmitted))

	t.Run("Attempt cannot be reopened", func(t *testing.T) {
		u := strings.Replace(baseURL, "http", "ws", 1) +
			fmt.Sprintf("/ws/v1/student/assignments/%s/secure?token=%s", assignmentID, studentToken)
		conn, resp, err := gorillaws.DefaultDialer.Dial(u, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(ws.HelloRequest{Action: ws.ActionHello, Capabilities: []string{"fullscreen"},
			Device: proctor.Device{ViewportWidth: 1920, ViewportHeight: 1080}}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		var msg serverMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, ws.EventError, msg.Event)
	})

	t.Run("Audit trail is persisted", func(t *testing.T) {
		var actions []model.AuditAction
		require.Eventually(t, func() bool {
			var body struct {
				AuditLogs []model.AuditEntry `json:"audit_logs"`
			}
			if adminGet(t, fmt.Sprintf("/assignments/%s/audit?student_id=%d", assignmentID, e2eStudentID), &body) != http.StatusOK {
				return false
			}
			actions = actions[:0]
			for _, e := range body.AuditLogs {
				actions = append(actions, e.Action)
			}
			return containsAction(actions, model.AuditEndTest)
		}, 15*time.Second, 500*time.Millisecond)

		assert.Contains(t, actions, model.AuditStartTestPrep)
		assert.Contains(t, actions, model.AuditTabSwitch)
		assert.Contains(t, actions, model.AuditManualExit)
	})

	t.Run("Submission is persisted", func(t *testing.T) {
		require.Eventually(t, func() bool {
			var body struct {
				Submissions []model.Submission `json:"submissions"`
			}
			if adminGet(t, fmt.Sprintf("/assignments/%s/submissions", assignmentID), &body) != http.StatusOK {
				return false
			}
			for _, s := range body.Submissions {
				if s.StudentID == e2eStudentID && s.TerminationReason != nil {
					return *s.TerminationReason == model.TerminationManualExit &&
						s.SubmissionText == "final answer from the e2e agent"
				}
			}
			return false
		}, 15*time.Second, 500*time.Millisecond)
	})

	t.Run("Unauthorized admin request", func(t *testing.T) {
		resp, err := http.Get(baseURL + fmt.Sprintf("/api/v1/admin/assignments/%s/audit", assignmentID))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func containsAction(actions []model.AuditAction, want model.AuditAction) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
