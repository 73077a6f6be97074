package test

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// CmdTest describes one command invocation.
type CmdTest struct {
	Name        string   // Name of the test.
	Args        []string // Arguments to pass to the command.
	ExpectedOut []string // Expected fragments of the captured log output.
}

// Command is a helper struct to test commands.
type Command struct {
	Helper
}

// SetupCommand builds a harness with captured logging for command assertions.
func SetupCommand(t *testing.T, opts ...HelperOption) Command {
	t.Helper()

	opts = append(opts, WithCaptureLoggingOutput())
	return Command{Helper: Setup(t, opts...)}
}

// RunCommand executes the command and checks the captured log output.
func (th Command) RunCommand(t *testing.T, cmd *cobra.Command, testCase CmdTest) {
	t.Helper()

	cmdRoot := &cobra.Command{Use: "root"}
	cmdRoot.AddCommand(cmd)
	cmdRoot.SetArgs(th.withConfigFlag(cmd, testCase.Args))

	require.NoError(t, cmdRoot.ExecuteContext(th.Context))

	output := th.LoggingOutput.String()
	for _, expected := range testCase.ExpectedOut {
		require.Contains(t, output, expected)
	}
}

// withConfigFlag appends --config <file> when the command accepts it.
func (th Command) withConfigFlag(cmd *cobra.Command, args []string) []string {
	if cmd.Flags().Lookup("config") == nil {
		return args
	}
	for _, arg := range args {
		if arg == "--config" || arg == "-c" {
			return args
		}
	}
	return append(args, "--config", th.ConfigFile)
}
