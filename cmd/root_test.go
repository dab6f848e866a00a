//go:build !integration

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"sync", "runs", "pending", "conflicts", "archive", "audit",
		"backfill", "stats", "settings", "migrate", "serve", "worker", "schedule",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "regsync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)

	flag := rootCmd.PersistentFlags().Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)
}

func TestSyncRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"source", "all", "dry-run"} {
		assert.NotNil(t, syncRunCmd.Flags().Lookup(name), "sync run should have --%s", name)
	}
}

func TestSyncRunCommand_RequiresExactlyOneSelector(t *testing.T) {
	syncRunCmd.SetContext(context.Background())
	err := syncRunCmd.RunE(syncRunCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --source or --all")
}

func TestArchiveCreateCommand_Flags(t *testing.T) {
	for _, name := range []string{"batch-id", "reason", "reg-no", "run-id"} {
		assert.NotNil(t, archiveCreateCmd.Flags().Lookup(name), "archive create should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestScheduleCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range scheduleCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["sync"])
	assert.True(t, names["trigger"])
}

func TestSyncRunHelp_DescribesDryRunIsolation(t *testing.T) {
	assert.Contains(t, syncRunCmd.Long, "--dry-run")
	assert.Contains(t, syncRunCmd.Long, "rolled back")
	assert.Contains(t, syncRunCmd.Long, "repeated")
	f := syncRunCmd.Flags().Lookup("dry-run")
	require.NotNil(t, f)
}
