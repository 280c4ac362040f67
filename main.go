package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbaudit"
	"github.com/brandur/blackboard/internal/bbclient"
	"github.com/brandur/blackboard/internal/bbservice"
	"github.com/brandur/blackboard/internal/bbsnapshot"
	"github.com/brandur/blackboard/internal/bbstore/bbmemorystore"
)

// Flags that override the environment for serving.
type serveFlags struct {
	lockTimeout time.Duration
	port        int
}

func main() {
	time.Local = time.UTC

	var flags serveFlags

	rootCmd := &cobra.Command{
		Use:   "blackboard",
		Short: "Shared blackboard server and tools",
		Long: strings.TrimSpace(`
A server hosting named blackboards: shared slots holding a single text
payload, each with a validity period after which its content is reported as
stale. Boards are persisted after every change and restored at startup.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
blackboard serve

# create a board whose content stays valid for 60 seconds
blackboard call create_blackboard weather 60
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(cmd, &flags); err != nil {
				abortErr(err)
			}
		},
	}
	addServeFlags(rootCmd, &flags)

	// blackboard serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start blackboard server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a blackboard server, binding to $PORT, or default to %d. Stops
gracefully on SIGINT or SIGTERM.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(cmd, &flags); err != nil {
					abortErr(err)
				}
			},
		}
		addServeFlags(cmd, &flags)
		rootCmd.AddCommand(cmd)
	}

	// blackboard call
	{
		var server string

		cmd := &cobra.Command{
			Use:   "call <method> [args...]",
			Short: "Call a method on a running server",
			Long: strings.TrimSpace(`
Calls a single method on a running server and prints the response tuple as
JSON. Arguments that look like numbers are sent as numbers. Everything else is
sent as a string.
			`),
			Args: cobra.MinimumNArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runCall(cmd.Context(), server, args[0], args[1:]); err != nil {
					abortErr(err)
				}
			},
		}
		cmd.Flags().StringVarP(&server, "server", "s", fmt.Sprintf("localhost:%d", defaultPort), "server address")
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func addServeFlags(cmd *cobra.Command, flags *serveFlags) {
	cmd.Flags().IntVarP(&flags.port, "port", "p", defaultPort, "port to listen on (overrides $PORT)")
	cmd.Flags().DurationVar(&flags.lockTimeout, "lock-timeout", 10*time.Second,
		"how long an operation waits for the registry lock (overrides $LOCK_TIMEOUT)")
}

func runCall(ctx context.Context, server, method string, rawArgs []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tuple, err := bbclient.NewClient(server).Call(ctx, method, bbclient.ParseArgs(rawArgs))
	if err != nil {
		return err
	}

	out, err := json.Marshal(tuple)
	if err != nil {
		return xerrors.Errorf("error encoding response: %w", err)
	}

	fmt.Println(string(out))
	return nil
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	config, err := parseConfig(nil)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		config.Port = flags.port
	}
	if cmd.Flags().Changed("lock-timeout") {
		config.LockTimeout = flags.lockTimeout
	}

	if err := config.Validate(); err != nil {
		return xerrors.Errorf("invalid configuration: %w", err)
	}

	logger := logrus.New()
	config.ConfigureLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := config.NewSnapshotBackend(ctx)
	if err != nil {
		return xerrors.Errorf("error initializing %s snapshot backend: %w", config.SnapshotBackend, err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warnf("Error closing snapshot backend: %v", err)
		}
	}()

	store := bbmemorystore.NewMemoryStore(logger, bbsnapshot.NewSynchronizer(logger, backend), config.LockTimeout)
	if err := store.Restore(ctx); err != nil {
		return xerrors.Errorf("error restoring boards: %w", err)
	}

	auditor := bbaudit.NewCSVAuditor(logger, config.AuditLogPath)
	service := bbservice.NewService(logger, store, auditor)

	return NewServer(logger, service, auditor, config.Port).Run(ctx)
}
