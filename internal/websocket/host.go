package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var (
	// ErrHostClosed is returned for commands issued after the stream ended.
	ErrHostClosed = errors.New("websocket: browser agent disconnected")
	// ErrCommandRejected wraps an error reported by the agent.
	ErrCommandRejected = errors.New("websocket: browser agent rejected command")
)

// RemoteHost is a proctor.Host backed by the browser agent on the other end
// of a secure-test stream.
//
// The connection's reader goroutine must feed every incoming signal and
// command result through HandleSignal and HandleCommandResult. Commands
// block until the matching result arrives, so they must never be issued
// from the reader goroutine itself.
type RemoteHost struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	device     proctor.Device
	caps       map[proctor.Capability]bool
	fullscreen bool
	listeners  map[proctor.SignalKind]map[uint64]func(proctor.Signal)
	nextID     uint64
	pending    map[string]chan CommandResultRequest

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRemoteHost builds a host from the agent's hello message.
func NewRemoteHost(conn *websocket.Conn, hello HelloRequest, log zerolog.Logger) *RemoteHost {
	caps := make(map[proctor.Capability]bool, len(hello.Capabilities))
	for _, c := range hello.Capabilities {
		caps[proctor.Capability(c)] = true
	}
	return &RemoteHost{
		conn:       conn,
		log:        log.With().Str("component", "remote_host").Logger(),
		device:     hello.Device,
		caps:       caps,
		fullscreen: hello.Fullscreen,
		listeners:  make(map[proctor.SignalKind]map[uint64]func(proctor.Signal)),
		pending:    make(map[string]chan CommandResultRequest),
		closed:     make(chan struct{}),
	}
}

// Send writes one event to the agent. Writes after Close are dropped.
func (h *RemoteHost) Send(v interface{}) error {
	select {
	case <-h.closed:
		return ErrHostClosed
	default:
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return WriteTyped(h.conn, v)
}

// Close fails every pending and future command. It does not close the
// underlying connection.
func (h *RemoteHost) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
	})
}

// Closed is closed once the stream ended.
func (h *RemoteHost) Closed() <-chan struct{} { return h.closed }

func (h *RemoteHost) Device() proctor.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

func (h *RemoteHost) Supports(c proctor.Capability) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps[c]
}

func (h *RemoteHost) Listen(kind proctor.SignalKind, fn func(proctor.Signal)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners[kind] == nil {
		h.listeners[kind] = make(map[uint64]func(proctor.Signal))
	}
	id := h.nextID
	h.nextID++
	h.listeners[kind][id] = fn

	return func() {
		h.mu.Lock()
		delete(h.listeners[kind], id)
		h.mu.Unlock()
	}
}

func (h *RemoteHost) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

// HandleSignal applies a forwarded browser event and runs the listeners for
// its kind synchronously. PreventDefault on the delivered signal echoes a
// prevent_default event carrying the signal's sequence number.
func (h *RemoteHost) HandleSignal(req SignalRequest) {
	h.mu.Lock()
	if req.Kind == proctor.SignalFullscreenChange {
		h.fullscreen = req.Fullscreen
	}
	fns := make([]func(proctor.Signal), 0, len(h.listeners[req.Kind]))
	for _, fn := range h.listeners[req.Kind] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	var once sync.Once
	sig := proctor.NewSignal(proctor.Signal{
		Kind:       req.Kind,
		Fullscreen: req.Fullscreen,
		Hidden:     req.Hidden,
		Key:        req.Key,
		Ctrl:       req.Ctrl,
		Meta:       req.Meta,
		Alt:        req.Alt,
		Shift:      req.Shift,
	}, func() {
		once.Do(func() {
			if err := h.Send(PreventDefaultEvent{Event: EventPreventDefault, Seq: req.Seq}); err != nil {
				h.log.Debug().Err(err).Int64("seq", req.Seq).Msg("prevent_default not delivered")
			}
		})
	})

	for _, fn := range fns {
		fn(sig)
	}
}

// HandleCommandResult completes the pending command with the same ID.
// Unknown or late results are ignored.
func (h *RemoteHost) HandleCommandResult(res CommandResultRequest) {
	h.mu.Lock()
	ch, ok := h.pending[res.ID]
	delete(h.pending, res.ID)
	h.mu.Unlock()

	if !ok {
		h.log.Debug().Str("command_id", res.ID).Msg("Result for unknown command")
		return
	}
	ch <- res
}

func (h *RemoteHost) command(ctx context.Context, cmd Command, streamID string) (CommandResultRequest, error) {
	id := uuid.NewString()
	ch := make(chan CommandResultRequest, 1)

	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()

	forget := func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}

	if err := h.Send(CommandEvent{Event: EventCommand, ID: id, Command: cmd, StreamID: streamID}); err != nil {
		forget()
		return CommandResultRequest{}, fmt.Errorf("send %s: %w", cmd, err)
	}

	select {
	case res := <-ch:
		if !res.OK {
			return res, fmt.Errorf("%w: %s: %s", ErrCommandRejected, cmd, res.Error)
		}
		return res, nil
	case <-h.closed:
		forget()
		return CommandResultRequest{}, ErrHostClosed
	case <-ctx.Done():
		forget()
		return CommandResultRequest{}, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
}

func (h *RemoteHost) RequestFullscreen(ctx context.Context) error {
	if _, err := h.command(ctx, CommandRequestFullscreen, ""); err != nil {
		return err
	}
	h.mu.Lock()
	h.fullscreen = true
	h.mu.Unlock()
	return nil
}

func (h *RemoteHost) ExitFullscreen(ctx context.Context) error {
	if _, err := h.command(ctx, CommandExitFullscreen, ""); err != nil {
		return err
	}
	h.mu.Lock()
	h.fullscreen = false
	h.mu.Unlock()
	return nil
}

func (h *RemoteHost) AcquireCamera(ctx context.Context) (proctor.MediaStream, error) {
	return h.acquire(ctx, CommandAcquireCamera)
}

func (h *RemoteHost) AcquireScreen(ctx context.Context) (proctor.MediaStream, error) {
	return h.acquire(ctx, CommandAcquireScreen)
}

func (h *RemoteHost) acquire(ctx context.Context, cmd Command) (proctor.MediaStream, error) {
	res, err := h.command(ctx, cmd, "")
	if err != nil {
		return nil, err
	}
	if res.StreamID == "" {
		return nil, fmt.Errorf("%w: %s: missing stream id", ErrCommandRejected, cmd)
	}
	return &remoteStream{host: h, id: res.StreamID}, nil
}

// remoteStream stops its track with a fire-and-forget command.
type remoteStream struct {
	host *RemoteHost
	id   string
	once sync.Once
}

func (s *remoteStream) Stop() {
	s.once.Do(func() {
		err := s.host.Send(CommandEvent{
			Event:    EventCommand,
			ID:       uuid.NewString(),
			Command:  CommandStopStream,
			StreamID: s.id,
		})
		if err != nil && !errors.Is(err, ErrHostClosed) {
			s.host.log.Warn().Err(err).Str("stream_id", s.id).Msg("Failed to stop media stream")
		}
	})
}
