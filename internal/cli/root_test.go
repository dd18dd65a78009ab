package cli

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basecamp/crmsync/internal/appctx"
	"github.com/basecamp/crmsync/internal/output"
)

func TestTransformCobraError(t *testing.T) {
	tests := []struct {
		in      string
		wantMsg string
		usage   bool
	}{
		{"flag needs an argument: --file", "--file requires a value", true},
		{"unknown flag: --nope", "Unknown option: --nope", true},
		{"unknown shorthand flag: 'x' in -x", "Unknown option: -x", true},
		{`invalid argument "abc" for "-v"`, `invalid argument "abc" for "-v"`, true},
		{"accepts 1 arg(s), received 0", "ID required", true},
		{"accepts 1 arg(s), received 2", "accepts 1 arg(s), received 2", true},
		{"something else", "something else", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := transformCobraError(errors.New(tt.in))
			assert.Equal(t, tt.wantMsg, err.Error())
			var oe *output.Error
			assert.Equal(t, tt.usage, errors.As(err, &oe) && oe.Code == output.CodeUsage)
		})
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := NewRootCmd()
	for _, name := range []string{"json", "quiet", "styled", "jq", "state-dir", "backend-url", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "j", cmd.PersistentFlags().Lookup("json").Shorthand)
	assert.Equal(t, "v", cmd.PersistentFlags().Lookup("verbose").Shorthand)
}

func TestPersistentPreRunBuildsApp(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	stateDir := t.TempDir()

	var got *appctx.App
	root := NewRootCmd()
	root.AddCommand(&cobra.Command{
		Use: "inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			got = appctx.FromContext(cmd.Context())
			return nil
		},
	})
	root.SetArgs([]string{"inspect", "--state-dir", stateDir, "--backend-url", "localhost:3001", "-vv", "--json"})

	_, err := root.ExecuteC()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stateDir, got.Config.StateDir)
	assert.Equal(t, "http://localhost:3001", got.Config.BackendURL)
	assert.Equal(t, 2, got.Flags.Verbose)
	assert.True(t, got.Flags.JSON)
}

func TestPersistentPreRunRejectsBadJQ(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	root := NewRootCmd()
	root.AddCommand(&cobra.Command{Use: "inspect", RunE: func(*cobra.Command, []string) error { return nil }})
	root.SetArgs([]string{"inspect", "--jq", ".[", "--state-dir", t.TempDir()})

	_, err := root.ExecuteC()
	require.Error(t, err)
	assert.Equal(t, output.CodeUsage, output.AsError(err).Code)
}
