// Package cli is the buffalofq_mover command tree.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/spf13/cobra"

	"github.com/kenfar/buffalofq/client/monitor"
	"github.com/kenfar/buffalofq/config"
	"github.com/kenfar/buffalofq/internal/daemon"
	"github.com/kenfar/buffalofq/internal/logging"
)

var errStartup = errors.New("startup failed")

func New() *cobra.Command {
	var configFqfn string
	var once bool

	root := &cobra.Command{
		Use:           "buffalofq_mover --config-fqfn <path>",
		Short:         "file-feed mover daemon",
		Long:          "Polls a feed's source directory and moves matching files\nto the destination through a crash-safe audited pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			feed, env, err := load(cmd, configFqfn)
			if err != nil {
				return err
			}

			log, err := logging.NewLogger(logging.Options{
				Level:  feed.LogLevel,
				LogDir: feed.LogDir,
				Name:   feed.Name,
			})
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), err)
				return errStartup
			}
			slog.SetDefault(log)
			for _, k := range feed.UnknownKeys {
				log.Warn("unknown config key dropped", slog.String("key", k))
			}

			ctx := logging.WithLogger(cmd.Context(), log)
			if once {
				return daemon.RunOnce(ctx, feed, env)
			}
			return daemon.Run(ctx, feed, env)
		},
	}
	root.PersistentFlags().StringVar(&configFqfn, "config-fqfn", "",
		"fully qualified feed config file name")
	root.Flags().BoolVar(&once, "once", false,
		"run a single feed pass and exit")

	root.AddCommand(newMonitorCmd(&configFqfn))
	return root
}

func load(cmd *cobra.Command, configFqfn string) (*config.Feed, *config.Env, error) {
	if configFqfn == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "a config file must be provided")
		return nil, nil, errStartup
	}

	feed, err := config.ParseConfig(configFqfn)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), err)
		return nil, nil, errStartup
	}
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), err)
		return nil, nil, errStartup
	}
	return feed, env, nil
}

func newMonitorCmd(configFqfn *string) *cobra.Command {
	var warn, crit time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "check feed health from its audit journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			feed, _, err := load(cmd, *configFqfn)
			if err != nil {
				return err
			}

			resp := monitoringplugin.NewResponse("feed healthy")
			defer resp.OutputAndExit()

			check := monitor.NewFeedCheck(resp).WithThresholds(warn, crit)
			if err := check.UpdateStatus(feed); err != nil {
				resp.UpdateStatus(monitoringplugin.UNKNOWN, err.Error())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&warn, "warning", 0,
		"warn when the journal is older than this")
	cmd.Flags().DurationVar(&crit, "critical", 0,
		"critical when the journal is older than this")
	return cmd
}
