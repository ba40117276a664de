package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "curator", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"serve"},
		{"submit"},
		{"jobs", "list"}, {"jobs", "status"}, {"jobs", "events"}, {"jobs", "requeue"}, {"jobs", "recover"},
		{"rules", "list"}, {"rules", "create"}, {"rules", "versions"}, {"rules", "add"}, {"rules", "activate"},
		{"rules", "enable"}, {"rules", "disable"}, {"rules", "test"}, {"rules", "simulate"},
		{"rules", "conflicts"}, {"rules", "export"}, {"rules", "import"},
		{"backfill", "run"}, {"backfill", "status"},
		{"scenario"},
	}

	for _, path := range paths {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestRequeueFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"jobs", "requeue"}, {"jobs", "recover"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		for _, name := range []string{"force", "reset-attempts", "clear-error", "process"} {
			assert.NotNil(t, sub.Flags().Lookup(name), "%v --%s", path, name)
		}
	}
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "rules", "list"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}
