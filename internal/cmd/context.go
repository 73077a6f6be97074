package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/acto-org/acto/internal/common/config"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Context holds the configuration for a command.
type Context struct {
	context.Context

	Command *cobra.Command
	Flags   []commandLineFlag
	Config  *config.Config
	Quiet   bool
}

// NewContext initializes the application setup by loading configuration and
// attaching a logger to the command context.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	if err := bindFlags(cmd, flags...); err != nil {
		return nil, err
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.LoadOption

	// Use a custom config file if provided via the viper flag "config"
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}

	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Create a logger context based on config and quiet mode
	var opts []logger.Option
	if cfg.Debug || viper.GetBool("debug") || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet || cfg.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	return &Context{
		Context: ctx,
		Command: cmd,
		Flags:   flags,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// applyFlagOverrides layers explicit command line flags over the loaded
// configuration. Flags the user left untouched keep the config values.
func (c *Context) applyFlagOverrides() error {
	flags := c.Command.Flags()
	if flags.Changed("host") {
		host, err := flags.GetString("host")
		if err != nil {
			return fmt.Errorf("failed to get host flag: %w", err)
		}
		c.Config.Server.Host = host
	}
	if flags.Changed("port") {
		raw, err := flags.GetString("port")
		if err != nil {
			return fmt.Errorf("failed to get port flag: %w", err)
		}
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", raw, err)
		}
		c.Config.Server.Port = port
	}
	return nil
}

// NewCommand creates a new command instance with the given cobra command and run function.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Printf("Initialization error: %v\n", err)
			os.Exit(1)
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", "err", err)
			os.Exit(1)
		}
		return nil
	}

	return cmd
}
