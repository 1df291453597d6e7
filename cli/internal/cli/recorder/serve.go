package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Host string
	Port int
}

// NewServeCmd creates the serve command
func NewServeCmd(root *RootConfig) *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recording and review API",
		Long: `Run the HTTP API that records live sessions and serves saved
conversations for review, feedback and export.

Examples:
  evalrecorder serve
  evalrecorder serve --port 9000
  EVALRECORDER_STORAGE_DRIVER=sqlite EVALRECORDER_STORAGE_DSN=recorder.db evalrecorder serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Host, "host", "", "Host to bind to (overrides server.host)")
	cmd.Flags().IntVar(&cfg.Port, "port", 0, "Port to bind to (overrides server.port)")

	return cmd
}

func runServe(cmd *cobra.Command, root *RootConfig, cfg *ServeConfig) error {
	app, err := newApp(cmd, root)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Host != "" {
		app.Config.Server.Host = cfg.Host
	}
	if cfg.Port != 0 {
		app.Config.Server.Port = cfg.Port
	}

	ctx := commandContext(cmd)
	server, err := app.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	log := ctrllog.Log.WithName("serve")
	errChan := make(chan error, 1)
	go func() {
		log.Info("Listening", "addr", server.Addr, "storage", app.Config.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-sigChan:
	case <-ctx.Done():
	}

	color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gracefully: %w", err)
	}
	return nil
}
