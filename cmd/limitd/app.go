package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/dirceu/limitd"
	"github.com/dirceu/limitd/internal/wire"
)

const cpuProfileName = "limitd.cpuprofile"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LIMITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "limitd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			baseLogger.With("sys", "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "limitd",
		Short:         "limitd is a token-bucket rate-limit daemon speaking a framed binary protocol over TCP",
		SilenceErrors: true,
		Example: `
  # In-memory store with buckets from a config file
  limitd --db mem:// --config-file /etc/limitd/config.yaml

  # Persistent disk store on a custom port
  limitd --db disk:///var/lib/limitd --port 9231

  # Tagged-json dialect for line-level debugging
  limitd --db mem:// --config-file config.yaml --protocol tagged-json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			cliLogger := logger.With("sys", "cli.root")
			logger.With("sys", "server.lifecycle.init").Info(
				"welcome to limitd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
			}
			if logLevel != "" {
				if level, ok := pslog.ParseLevel(logLevel); ok {
					logger = logger.LogLevel(level)
					cliLogger = logger.With("sys", "cli.root")
				} else {
					return fmt.Errorf("unknown log level %q (options: debug, info, error)", logLevel)
				}
			}

			cfg, err := buildConfig(cmd, cliLogger)
			if err != nil {
				return err
			}

			if viper.GetBool("profile") {
				f, err := os.Create(cpuProfileName)
				if err != nil {
					return fmt.Errorf("create cpu profile: %w", err)
				}
				if err := pprof.StartCPUProfile(f); err != nil {
					_ = f.Close()
					return fmt.Errorf("start cpu profile: %w", err)
				}
				cliLogger.Info("cpu profiling enabled", "path", cpuProfileName)
				defer func() {
					pprof.StopCPUProfile()
					_ = f.Close()
				}()
			}

			server, err := limitd.NewServer(cfg, limitd.WithLogger(logger))
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace+5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	flags := cmd.Flags()
	flags.String("db", "", "store DSN (mem://, disk:///path, or a bare directory path)")
	flags.Int("port", limitd.DefaultPort, "listen port")
	flags.String("hostname", limitd.DefaultHostname, "listen address")
	flags.StringP("config-file", "c", "", "path to YAML config file")
	flags.String("protocol", limitd.DefaultProtocol, fmt.Sprintf("wire dialect (%s)", strings.Join(wire.ValidDialects(), ", ")))
	flags.Bool("profile", false, "write a CPU profile to ./"+cpuProfileName+" for the process lifetime")
	maxFrameDefault := strings.ReplaceAll(humanize.Bytes(uint64(limitd.DefaultMaxFrameBytes)), " ", "")
	flags.String("max-frame", maxFrameDefault, "maximum frame payload size")
	flags.String("metrics-listen", limitd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Int("pipeline-depth", limitd.DefaultPipelineDepth, "maximum in-flight requests per connection")
	flags.Duration("drain-grace", limitd.DefaultDrainGrace, "grace period for in-flight requests during shutdown")
	flags.String("remote-config-uri", "", "HTTP endpoint serving a YAML bucket set (empty disables remote config)")
	flags.Int64("remote-config-interval", limitd.DefaultRemoteConfigInterval.Milliseconds(), "remote config poll interval in milliseconds")
	flags.Bool("watch-config", false, "reload the bucket set when the config file changes")
	flags.Int("storage-retry-attempts", limitd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", limitd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", limitd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", limitd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.Bool("connguard-disabled", false, "disable listener-level connection guarding")
	flags.Int("connguard-failure-threshold", limitd.DefaultConnguardFailureThreshold, "decode failures before blocking a source IP")
	flags.Duration("connguard-failure-window", limitd.DefaultConnguardFailureWindow, "window used to count decode failures")
	flags.Duration("connguard-block-duration", limitd.DefaultConnguardBlockDuration, "time to block a source IP after reaching the threshold")
	flags.String("log-level", "", "log verbosity (debug, info, error; defaults to LOG_LEVEL or info)")

	viper.SetEnvPrefix("LIMITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"db", "port", "hostname", "config-file", "protocol", "profile",
		"max-frame", "metrics-listen", "pipeline-depth", "drain-grace",
		"remote-config-uri", "remote-config-interval", "watch-config",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"connguard-disabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
		"log-level",
	}
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

// buildConfig merges flags, environment, and the YAML config file with
// flags > env > file > defaults precedence.
func buildConfig(cmd *cobra.Command, logger pslog.Logger) (limitd.Config, error) {
	var cfg limitd.Config
	cfg.Store = viper.GetString("db")
	cfg.Port = viper.GetInt("port")
	cfg.Hostname = viper.GetString("hostname")
	cfg.Protocol = strings.ToLower(strings.TrimSpace(viper.GetString("protocol")))
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PipelineDepth = viper.GetInt("pipeline-depth")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.RemoteConfigURI = viper.GetString("remote-config-uri")
	if ms := viper.GetInt64("remote-config-interval"); ms > 0 {
		cfg.RemoteConfigInterval = time.Duration(ms) * time.Millisecond
	}
	if maxFrame := viper.GetString("max-frame"); maxFrame != "" {
		size, err := humanize.ParseBytes(maxFrame)
		if err != nil {
			return cfg, fmt.Errorf("parse max-frame: %w", err)
		}
		cfg.MaxFrameBytes = int(size)
	}
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.ConnguardDisabled = viper.GetBool("connguard-disabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")

	configFile := strings.TrimSpace(viper.GetString("config-file"))
	if configFile != "" {
		fc, err := limitd.LoadFileConfig(configFile)
		if err != nil {
			return cfg, err
		}
		isSet := func(name string) bool {
			if flagChanged(cmd.Flags(), name) {
				return true
			}
			env := "LIMITD_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
			_, ok := os.LookupEnv(env)
			return ok
		}
		if err := fc.Apply(&cfg, isSet); err != nil {
			return cfg, err
		}
		cfg.ConfigFile = configFile
		cfg.WatchConfigFile = viper.GetBool("watch-config")
		logger.Info("loaded config file", "path", configFile, "bucket_types", len(cfg.Buckets))
	} else if viper.GetBool("watch-config") {
		return cfg, errors.New("watch-config requires --config-file")
	}
	return cfg, nil
}

func flagChanged(flags *pflag.FlagSet, name string) bool {
	flag := flags.Lookup(name)
	return flag != nil && flag.Changed
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
