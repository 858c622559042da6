package spool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "spool.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpoolFIFO(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()
	assignment := uuid.New()

	for _, action := range []model.AuditAction{model.AuditStartTestPrep, model.AuditTabSwitch, model.AuditEndTest} {
		require.NoError(t, s.Put(ctx, model.AuditEntry{
			AssignmentID: assignment,
			SessionID:    uuid.New(),
			StudentID:    9,
			Action:       action,
			Details:      string(action),
			RecordedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}))
	}

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := s.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, model.AuditStartTestPrep, items[0].Entry.Action)
	assert.Equal(t, model.AuditTabSwitch, items[1].Entry.Action)
	assert.Equal(t, assignment, items[0].Entry.AssignmentID)

	require.NoError(t, s.Delete(ctx, []int64{items[0].ID, items[1].ID}))

	items, err = s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.AuditEndTest, items[0].Entry.Action)
}

func TestSpoolDropsUndecodableRows(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_spool (payload) VALUES ('{not json')`)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, model.AuditEntry{Action: model.AuditTimeUp}))

	items, err := s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.AuditTimeUp, items[0].Entry.Action)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolDeleteEmpty(t *testing.T) {
	s := openTestSpool(t)
	assert.NoError(t, s.Delete(context.Background(), nil))
}
