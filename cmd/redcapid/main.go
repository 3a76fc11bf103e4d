package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/redcapid/internal/config"
	"github.com/ehr/redcapid/internal/domain/identity"
	"github.com/ehr/redcapid/internal/platform/redcap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	keyFile  string
	url      string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "redcapid",
		Short:        "Issue and resolve de-identified subject identifiers in a REDCap project",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.keyFile, "key-file", "", "TOML file holding the REDCap url and token (default $REDCAP_KEY_FILE or "+config.DefaultKeyFile+")")
	flags.StringVar(&opts.url, "url", "", "REDCap API url, overrides the key file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error (default $LOG_LEVEL)")

	rootCmd.AddCommand(generateCmd(opts))
	rootCmd.AddCommand(addPatientCmd(opts))
	rootCmd.AddCommand(lookupCmd(opts))
	rootCmd.AddCommand(pingCmd(opts))
	rootCmd.AddCommand(serveCmd(opts))

	return rootCmd
}

// load reads the process configuration and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.keyFile != "" {
		kf, err := config.ParseKeyFile(o.keyFile)
		if err != nil {
			return nil, fmt.Errorf("--key-file: %w", err)
		}
		cfg.KeyFile = kf
	}
	if o.url != "" {
		cfg.RedcapURL = o.url
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(level), nil
}

func newService(cfg *config.Config, logger zerolog.Logger) *identity.Service {
	connector := identity.RedcapConnector(
		redcap.WithTimeout(cfg.RedcapTimeout),
		redcap.WithRateLimit(cfg.RedcapRateLimitRPS, cfg.RedcapRateLimitBurst),
		redcap.WithLogger(logger),
	)
	return identity.NewService(
		identity.WithKeyFile(cfg.KeyFile),
		identity.WithConnector(connector),
		identity.WithLogger(logger),
	)
}

// setup builds the logger and identity service for a command. When connect is
// set the service is connected before it is returned.
func (o *rootOptions) setup(cmd *cobra.Command, connect bool) (*config.Config, *identity.Service, zerolog.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	svc := newService(cfg, logger)
	if connect {
		if err := svc.Connect(cfg.RedcapURL, cfg.RedcapToken); err != nil {
			return nil, nil, logger, err
		}
	}
	return cfg, svc, logger, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
