package spool

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/notify"
)

var _ notify.DeadLetters = (*Store)(nil)

type flakySink struct {
	down map[string]bool
	got  []notify.Message
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Push(_ context.Context, msg notify.Message) error {
	if f.down[msg.Recipient] {
		return stderrors.New("still down")
	}
	f.got = append(f.got, msg)
	return nil
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool", "dead.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	msg := notify.Message{
		ID:        "m1",
		Recipient: "u1",
		Kind:      notify.KindTaskAssigned,
		Text:      "You have a new task to approve: Manager review",
		Task:      &notify.TaskSnapshot{ID: "t1", StepName: "Manager review", Level: 1},
	}
	require.NoError(t, s.Put(ctx, "nats", msg, stderrors.New("no responders")))

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nats", entries[0].Sink)
	assert.Equal(t, "no responders", entries[0].LastError)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, msg.Text, entries[0].Message.Text)
	require.NotNil(t, entries[0].Message.Task)
	assert.Equal(t, "Manager review", entries[0].Message.Task.StepName)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestStore_ReplayRemovesDelivered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "redis", notify.Message{Recipient: "u1"}, nil))
	require.NoError(t, s.Put(ctx, "redis", notify.Message{Recipient: "u2"}, nil))

	sink := &flakySink{down: map[string]bool{"u2": true}}
	delivered, failed, err := s.Replay(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, failed)

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].Message.Recipient)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "still down", entries[0].LastError)
}

func TestStore_Purge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, "hub", notify.Message{Recipient: "u1"}, nil))
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
