package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// startHost runs a server that builds a RemoteHost from the first hello and
// pumps the rest of the stream into it. It returns the host and the agent
// side of the connection.
func startHost(t *testing.T, hello HelloRequest) (*RemoteHost, *websocket.Conn) {
	t.Helper()

	hosts := make(chan *RemoteHost, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		action, data, err := ReadRaw(conn)
		if err != nil || action != ActionHello {
			return
		}
		var h HelloRequest
		if err := Decode(data, &h); err != nil {
			return
		}
		host := NewRemoteHost(conn, h, zerolog.Nop())
		hosts <- host
		defer host.Close()

		for {
			action, data, err := ReadRaw(conn)
			if err != nil {
				return
			}
			switch action {
			case ActionSignal:
				var req SignalRequest
				if Decode(data, &req) == nil {
					host.HandleSignal(req)
				}
			case ActionCommandResult:
				var res CommandResultRequest
				if Decode(data, &res) == nil {
					host.HandleCommandResult(res)
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	agent, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close() })

	hello.Action = ActionHello
	require.NoError(t, agent.WriteJSON(hello))

	select {
	case host := <-hosts:
		return host, agent
	case <-time.After(2 * time.Second):
		t.Fatal("host not created")
		return nil, nil
	}
}

func readEvent(t *testing.T, agent *websocket.Conn, v interface{}) {
	t.Helper()
	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := agent.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func desktopHello() HelloRequest {
	return HelloRequest{
		Device:       proctor.Device{ViewportWidth: 1920, ViewportHeight: 1080, UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"},
		Capabilities: []string{"fullscreen", "visibility", "focus", "media"},
	}
}

func TestRemoteHostCapabilities(t *testing.T) {
	host, _ := startHost(t, desktopHello())

	assert.True(t, host.Supports(proctor.CapFullscreen))
	assert.True(t, host.Supports(proctor.CapMedia))
	assert.False(t, host.Supports(proctor.CapClipboard))
	assert.Equal(t, 1920, host.Device().ViewportWidth)
	assert.False(t, host.IsFullscreen())
}

func TestRemoteHostFullscreenRoundTrip(t *testing.T) {
	host, agent := startHost(t, desktopHello())

	errc := make(chan error, 1)
	go func() { errc <- host.RequestFullscreen(context.Background()) }()

	var cmd CommandEvent
	readEvent(t, agent, &cmd)
	assert.Equal(t, EventCommand, cmd.Event)
	assert.Equal(t, CommandRequestFullscreen, cmd.Command)
	require.NoError(t, agent.WriteJSON(CommandResultRequest{Action: ActionCommandResult, ID: cmd.ID, OK: true}))

	require.NoError(t, <-errc)
	assert.True(t, host.IsFullscreen())
}

func TestRemoteHostRejectedCommand(t *testing.T) {
	host, agent := startHost(t, desktopHello())

	errc := make(chan error, 1)
	go func() {
		_, err := host.AcquireCamera(context.Background())
		errc <- err
	}()

	var cmd CommandEvent
	readEvent(t, agent, &cmd)
	assert.Equal(t, CommandAcquireCamera, cmd.Command)
	require.NoError(t, agent.WriteJSON(CommandResultRequest{
		Action: ActionCommandResult, ID: cmd.ID, OK: false, Error: "NotAllowedError",
	}))

	err := <-errc
	assert.ErrorIs(t, err, ErrCommandRejected)
	assert.Contains(t, err.Error(), "NotAllowedError")
}

func TestRemoteHostMediaStreamStop(t *testing.T) {
	host, agent := startHost(t, desktopHello())

	type result struct {
		stream proctor.MediaStream
		err    error
	}
	resc := make(chan result, 1)
	go func() {
		s, err := host.AcquireScreen(context.Background())
		resc <- result{s, err}
	}()

	var cmd CommandEvent
	readEvent(t, agent, &cmd)
	require.NoError(t, agent.WriteJSON(CommandResultRequest{
		Action: ActionCommandResult, ID: cmd.ID, OK: true, StreamID: "screen-1",
	}))
	res := <-resc
	require.NoError(t, res.err)

	res.stream.Stop()
	res.stream.Stop()

	var stop CommandEvent
	readEvent(t, agent, &stop)
	assert.Equal(t, CommandStopStream, stop.Command)
	assert.Equal(t, "screen-1", stop.StreamID)
}

func TestRemoteHostCommandTimeout(t *testing.T) {
	host, agent := startHost(t, desktopHello())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := host.ExitFullscreen(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var cmd CommandEvent
	readEvent(t, agent, &cmd)
	// late result is ignored
	require.NoError(t, agent.WriteJSON(CommandResultRequest{Action: ActionCommandResult, ID: cmd.ID, OK: true}))
}

func TestRemoteHostCloseFailsPendingCommands(t *testing.T) {
	host, agent := startHost(t, desktopHello())

	errc := make(chan error, 1)
	go func() { errc <- host.RequestFullscreen(context.Background()) }()

	var cmd CommandEvent
	readEvent(t, agent, &cmd)
	host.Close()

	assert.ErrorIs(t, <-errc, ErrHostClosed)
	assert.ErrorIs(t, host.RequestFullscreen(context.Background()), ErrHostClosed)
}

func TestRemoteHostSignalsReachListeners(t *testing.T) {
	host, agent := startHost(t, desktopHello())

	got := make(chan proctor.Signal, 4)
	remove := host.Listen(proctor.SignalKeyDown, func(s proctor.Signal) {
		if proctor.IsRestrictedKey(s) {
			s.PreventDefault()
		}
		got <- s
	})

	require.NoError(t, agent.WriteJSON(SignalRequest{
		Action: ActionSignal, Seq: 7, Kind: proctor.SignalKeyDown, Key: "c", Ctrl: true,
	}))

	select {
	case s := <-got:
		assert.Equal(t, "c", s.Key)
		assert.True(t, s.Ctrl)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}

	var ev PreventDefaultEvent
	readEvent(t, agent, &ev)
	assert.Equal(t, EventPreventDefault, ev.Event)
	assert.Equal(t, int64(7), ev.Seq)

	remove()
	require.NoError(t, agent.WriteJSON(SignalRequest{Action: ActionSignal, Seq: 8, Kind: proctor.SignalKeyDown, Key: "v", Ctrl: true}))
	require.NoError(t, agent.WriteJSON(SignalRequest{Action: ActionSignal, Seq: 9, Kind: proctor.SignalFullscreenChange, Fullscreen: true}))

	assert.Eventually(t, host.IsFullscreen, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, got)
}
