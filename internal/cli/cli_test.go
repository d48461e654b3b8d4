package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := "data_dir: " + dir + "\n" +
		"database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "cli.db") + "\n" +
		"log:\n  level: error\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	syncAll, syncInline, keyResetYes = false, false, false
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestSyncCommand_EnqueuesAndDeduplicates(t *testing.T) {
	cfgPath := writeConfig(t)

	require.NoError(t, run(t, "--config", cfgPath, "sync", "--all"))
	require.NoError(t, run(t, "--config", cfgPath, "sync", "--all"))

	require.NoError(t, run(t, "--config", cfgPath, "jobs", "stats"))
	// the command closed its own app
	a, err := NewApp(app.Config)
	require.NoError(t, err)
	defer a.Close()

	list, err := a.Jobs.List(context.Background(), jobs.Filter{Type: models.JobTypeSyncAll})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSyncCommand_Arguments(t *testing.T) {
	cfgPath := writeConfig(t)

	assert.Error(t, run(t, "--config", cfgPath, "sync"))
	assert.Error(t, run(t, "--config", cfgPath, "sync", "1", "--all"))
	assert.Error(t, run(t, "--config", cfgPath, "sync", "abc"))
	// unknown account
	assert.Error(t, run(t, "--config", cfgPath, "sync", "42"))
}

func TestTokenCommand(t *testing.T) {
	cfgPath := writeConfig(t)
	require.NoError(t, run(t, "--config", cfgPath, "token", "5"))
	assert.Error(t, run(t, "--config", cfgPath, "token", "0"))
}

func TestKeyReset_ChangesOperatorKey(t *testing.T) {
	cfgPath := writeConfig(t)
	require.NoError(t, run(t, "--config", cfgPath, "key", "show"))
	before := app.OperatorKeys.GetCurrentKey()

	require.NoError(t, run(t, "--config", cfgPath, "key", "reset", "--yes"))
	assert.NotEqual(t, before, app.OperatorKeys.GetCurrentKey())
}
