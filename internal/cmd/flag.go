package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Default values for the HTTP server.
const (
	defaultHost = "127.0.0.1"
	defaultPort = "8080"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $HOME/.config/acto/config.yaml)",
	}
	hostFlag = commandLineFlag{
		name:         "host",
		shorthand:    "s",
		defaultValue: defaultHost,
		usage:        "server host",
	}
	portFlag = commandLineFlag{
		name:         "port",
		shorthand:    "p",
		defaultValue: defaultPort,
		usage:        "server port",
	}
)

// initFlags registers the command's flags plus the flags every command
// carries: the config file override and the quiet and debug switches.
func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	flags = append(flags, configFlag)
	for _, flag := range flags {
		cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
	cmd.Flags().BoolP("quiet", "q", false, "suppress console logging")
	cmd.Flags().Bool("debug", false, "enable debug logging")
}

func bindFlags(cmd *cobra.Command, flags ...commandLineFlag) error {
	names := []string{"config", "debug"}
	for _, flag := range flags {
		names = append(names, flag.name)
	}
	for _, name := range names {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}
