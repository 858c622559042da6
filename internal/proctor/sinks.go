package proctor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AuditLogger is the append-only audit sink. Failures never affect the
// session.
type AuditLogger interface {
	Log(ctx context.Context, entry model.AuditEntry) error
}

// Submitter accepts the final answers plus proctoring metadata.
type Submitter interface {
	Submit(ctx context.Context, s model.Submission) error
}

// auditDispatcher hands entries to the AuditLogger on its own goroutine so a
// slow or failing sink can never stall a transition.
type auditDispatcher struct {
	logger  AuditLogger
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan model.AuditEntry
	done   chan struct{}
	once   sync.Once
}

func newAuditDispatcher(logger AuditLogger, buffer int, timeout time.Duration, log zerolog.Logger) *auditDispatcher {
	d := &auditDispatcher{
		logger:  logger,
		log:     log,
		timeout: timeout,
		ch:      make(chan model.AuditEntry, buffer),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *auditDispatcher) enqueue(e model.AuditEntry) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || d.logger == nil {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.log.Warn().
			Str("action", string(e.Action)).
			Msg("Audit buffer full, dropping entry")
	}
}

func (d *auditDispatcher) loop() {
	defer close(d.done)
	for e := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.logger.Log(ctx, e); err != nil {
			d.log.Warn().Err(err).
				Str("action", string(e.Action)).
				Msg("Audit write failed, entry dropped")
		}
		cancel()
	}
}

// close stops accepting entries and waits until the buffer is drained.
func (d *auditDispatcher) close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		<-d.done
	})
}
