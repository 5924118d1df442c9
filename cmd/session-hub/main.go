package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

var (
	flagConfig  string
	flagSocket  string
	flagSession string
	flagDebug   bool

	cfg            config.Config
	loggerShutdown *logger.ShutdownCallback
)

// globalFlags are shared by every command.
func globalFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("global", pflag.ContinueOnError)
	fs.StringVarP(&flagConfig, "config", "c", "", "configuration file, JSON or YAML (or "+config.EnvConfig+")")
	fs.StringVarP(&flagSocket, "socket", "s", "", "hub socket path (or "+config.EnvSocket+")")
	fs.StringVar(&flagSession, "session", "", "session identity (or "+config.EnvSessionID+")")
	fs.BoolVar(&flagDebug, "debug", false, "debug logging (or "+config.EnvDebug+")")
	return fs
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	path := flagConfig
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	c, err := config.ReadConfig(path)
	if err != nil {
		return err
	}
	if flagSocket != "" {
		c.Hub.SocketPath = flagSocket
	}
	if flagDebug {
		c.DebugMode = true
	}
	cfg = c

	opts := logger.Options{Debug: c.DebugMode, RetentionDays: c.Log.RetentionDays}
	if cmd.Name() == "start" {
		opts.Dir = c.Log.Dir
	} else {
		opts.Quiet = true
	}
	loggerShutdown = logger.Init(opts)
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "session-hub",
		Short: "Local message hub for cooperating sessions",
		Long: `session-hub lets independent local processes discover each other and
exchange typed messages in real time over a Unix domain socket.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
	rootCmd.PersistentFlags().AddFlagSet(globalFlags())

	// Hub lifecycle
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())

	// Session operations
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(recvCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(receiptsCmd())

	err := rootCmd.ExecuteContext(context.Background())
	if loggerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = loggerShutdown.Invoke(ctx)
		cancel()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
