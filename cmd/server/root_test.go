package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/notify"
	"github.com/pesio-ai/be-approval-workflows/internal/spool"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "reconcile", "spool"} {
		assert.True(t, names[want], want)
	}
}

func TestSpoolCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	t.Setenv("SPOOL_PATH", path)

	store, err := spool.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "nats", notify.Message{
		ID:        "m1",
		Recipient: "mgr",
		Kind:      notify.KindTaskAssigned,
		Text:      "You have a new task to approve: Manager review",
	}, stderrors.New("no responders")))
	require.NoError(t, store.Close())

	out, err := runCommand(t, "spool", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "mgr")
	assert.Contains(t, out, "no responders")
	assert.Contains(t, out, "Showing 1 of 1")

	out, err = runCommand(t, "spool", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 1")

	out, err = runCommand(t, "spool", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Spool is empty")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SPOOL_PATH", filepath.Join(t.TempDir(), "spool.db"))
	_, err := runCommand(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestReconcileOnMemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("NOTIFY_SINK", "log")
	t.Setenv("SPOOL_PATH", filepath.Join(t.TempDir(), "spool.db"))
	out, err := runCommand(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "Resumed 0, finished 0 workflow(s)")
}
