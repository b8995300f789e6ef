// Command portlessd is the long-lived reverse-proxy daemon: it owns the
// route registry's state directory, listens on the configured port, and
// serves every <name>.localhost request by consulting the registry.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/portless-dev/portless/internal/daemon"
	"github.com/portless-dev/portless/internal/logging"
	"github.com/portless-dev/portless/internal/registry"
	"github.com/portless-dev/portless/internal/statedir"
	"github.com/portless-dev/portless/internal/version"
)

const defaultPort = 1355

var (
	flagPort     int
	flagStateDir string
	flagVerbose  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portlessd",
		Short:        "Reverse-proxy daemon for <name>.localhost routing",
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVar(&flagPort, "port", envPort(), "port the daemon listens on")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", os.Getenv("PORTLESS_STATE_DIR"), "override the resolved state directory")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug-level logging")

	root.AddCommand(runCmd(), stopCmd(), statusCmd(), versionCmd())
	return root
}

func envPort() int {
	if v := os.Getenv("PORTLESS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return defaultPort
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := statedir.Resolve(flagPort, flagStateDir)
			if err != nil {
				return fmt.Errorf("resolve state directory: %w", err)
			}

			logFile, err := os.OpenFile(dir+"/"+daemon.LogFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer logFile.Close()

			logger := logging.New(logFile, flagVerbose)
			defer logger.Sync()

			d := daemon.New(daemon.Config{
				StateDir: dir,
				Port:     flagPort,
				Logger:   logger,
			})

			logger.Named("daemon").Info("starting portless daemon",
				zap.Int("port", flagPort), zap.String("state_dir", dir))

			return d.Start(cmd.Context())
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := statedir.Discover(flagStateDir)
			if err != nil {
				fmt.Println("portless: no daemon appears to be running")
				return nil
			}
			return daemon.Stop(dir)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the live route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := statedir.Discover(flagStateDir)
			if err != nil {
				fmt.Println("portless: no daemon appears to be running")
				return nil
			}

			routes, err := registry.Load(dir)
			if err != nil {
				return err
			}

			if len(routes) == 0 {
				fmt.Println("portless: no registered routes")
				return nil
			}
			for _, r := range routes {
				fmt.Printf("%-30s -> 127.0.0.1:%-5d (pid %d)\n", r.Hostname, r.Port, r.PID)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Info())
			return nil
		},
	}
}
