package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/profile"
	gatewayserver "github.com/vango-go/vai-callbridge/pkg/gateway/server"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	loadProfile  func(path string) (profile.Profile, error)
	newServer    func(config.Config, *slog.Logger, gatewayserver.Options) *gatewayserver.Server
	newRedis     func(addr string) redis.UniversalClient
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:  config.LoadFromEnv,
		loadProfile: profile.Load,
		newServer:   gatewayserver.New,
		newRedis: func(addr string) redis.UniversalClient {
			return redis.NewClient(&redis.Options{Addr: addr})
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newRootCmd(stdout, stderr io.Writer, deps bridgeDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "callbridge",
		Short:         "Relay telephony media streams to a realtime voice backend",
		Long:          `callbridge accepts telephony media-stream websockets and relays each call to a realtime voice backend, handling barge-in and tool calls.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), stderr, deps)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the media-stream bridge (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), stderr, deps)
		},
	})
	root.AddCommand(newProfileCmd(stdout, deps))
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps bridgeDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "callbridge: load .env: %v\n", err)
		return 1
	}

	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultBridgeDeps()))
}
