package cmd

import (
	"github.com/acto-org/acto/internal/common/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   config.AppSlug,
	Short: "Acto is an action orchestration engine",
	Long: `Acto turns free-form prompts into executable task graphs.

Each action is planned into a set of dependent tasks by an LLM, executed
concurrently by per-task agents, and streamed as live events while the
graph stays editable between runs.
`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(CmdStart())
	rootCmd.AddCommand(CmdVersion())
}
