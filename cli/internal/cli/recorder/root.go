package recorder

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/kagent-dev/evalrecorder/pkg/recorder"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/config"
)

// RootConfig holds the flags shared by every subcommand
type RootConfig struct {
	ConfigFile string
	LogLevel   string
	Dev        bool
}

// NewRecorderCmd creates the root evalrecorder command
func NewRecorderCmd() *cobra.Command {
	cfg := &RootConfig{}

	cmd := &cobra.Command{
		Use:   "evalrecorder",
		Short: "Record agent conversations and export them as eval sets",
		Long: `evalrecorder turns the protocol event stream of an agent run into
evaluation-ready conversation transcripts.

Available subcommands:
  serve       Run the recording and review API
  replay      Record captured runs from files
  list        List recorded or saved conversations
  promote     Copy a recorded conversation into the saved collection
  export      Export saved conversations as an eval set
  compare     Compare the structure of two JSON documents
  config      Inspect or write the configuration

Examples:
  evalrecorder serve --config evalrecorder.yaml
  evalrecorder replay run.sse
  evalrecorder export thread-1 -o thread-1.evalset.json`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", "", "Path to configuration file (default: ./evalrecorder.yaml when present)")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&cfg.Dev, "dev", false, "Use development logging")

	cmd.AddCommand(NewServeCmd(cfg))
	cmd.AddCommand(NewReplayCmd(cfg))
	cmd.AddCommand(NewListCmd(cfg))
	cmd.AddCommand(NewPromoteCmd(cfg))
	cmd.AddCommand(NewExportCmd(cfg))
	cmd.AddCommand(NewCompareCmd())
	cmd.AddCommand(NewConfigCmd(cfg))

	return cmd
}

// loadConfig reads the configuration file and environment, with explicitly
// set flags taking precedence.
func loadConfig(cmd *cobra.Command, root *RootConfig) (*config.Config, error) {
	v, err := config.NewViper(root.ConfigFile)
	if err != nil {
		return nil, err
	}
	err = bindChanged(v, map[string]*pflag.Flag{
		"log.level":       cmd.Flag("log-level"),
		"log.development": cmd.Flag("dev"),
	})
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}

// bindChanged binds config keys to the flags the user actually set, so that
// unset flags do not mask file and environment values.
func bindChanged(v *viper.Viper, flags map[string]*pflag.Flag) error {
	for key, f := range flags {
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	}
	return nil
}

// setupLogger installs the zap backend behind the controller-runtime logger.
func setupLogger(cfg config.LogConfig) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	ctrllog.SetLogger(ctrlzap.New(
		ctrlzap.UseDevMode(cfg.Development),
		ctrlzap.Level(level),
		ctrlzap.WriteTo(os.Stderr),
	))
}

// newApp loads the configuration, sets up logging and opens the stores.
func newApp(cmd *cobra.Command, root *RootConfig) (*recorder.App, error) {
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Log)

	app, err := recorder.NewApp(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}
	return app, nil
}
