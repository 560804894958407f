package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"alexwatch/internal/auth"
	"alexwatch/internal/devserver"
	"alexwatch/internal/shared/config"
	"alexwatch/internal/shared/logging"
)

var configFile string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "alexwatch",
		Short:         "Watch and steer live multi-agent tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./alexwatch.yaml or ~/.alexwatch/alexwatch.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().Bool("log-stderr", false, "copy log lines to stderr")

	root.AddCommand(newRunCommand(), newWatchCommand(), newDevServerCommand(), newConfigCommand())
	return root
}

func clientFlags(fs *pflag.FlagSet) {
	fs.String("url", "", "stream endpoint")
	fs.String("api", "", "task API base url")
	fs.String("token", "", "credential token")
	fs.String("token-file", "", "file holding the credential; watched for changes")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address")
	fs.Int("history", 0, "number of earlier messages shown when attaching")
	fs.Bool("all", false, "show the full transcript")
	fs.Bool("no-color", false, "disable colors")
}

func loadConfig(cmd *cobra.Command) (config.Config, config.Metadata, error) {
	cfg, meta, err := config.Load(config.WithConfigFile(configFile), config.WithFlags(cmd.Flags()))
	if err != nil {
		return cfg, meta, err
	}
	setupLogging(cfg.Log)
	return cfg, meta, nil
}

func setupLogging(cfg config.LogConfig) {
	logging.SetLevel(logging.ParseLevel(cfg.Level))
}

func newLogger(cfg config.LogConfig, component string) logging.Logger {
	logger := logging.NewComponentLogger(component)
	if cfg.Stderr {
		return logging.Multi(logger, logging.NewWriterLogger(os.Stderr, component, logging.ParseLevel(cfg.Level)))
	}
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Create a task and follow it live",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runClient(ctx, cfg, clientAction{task: strings.Join(args, " ")})
		},
	}
	clientFlags(cmd.Flags())
	cmd.Flags().String("granularity", "", "pause at: off, milestone, agent")
	cmd.Flags().Bool("pause-on-failure", false, "pause when a milestone fails")
	return cmd
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Attach to an existing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runClient(ctx, cfg, clientAction{sessionID: args[0]})
		},
	}
	clientFlags(cmd.Flags())
	return cmd
}

func newDevServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve a scripted task service for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runDevServer(cmd, cfg.DevServer, newLogger(cfg.Log, "devserver"))
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("script", "", "YAML event script to replay")
	cmd.Flags().String("secret", "", "HMAC secret; enables token checks")
	cmd.Flags().Bool("debug", false, "gin debug mode")
	return cmd
}

func runDevServer(cmd *cobra.Command, cfg config.DevServerConfig, logger logging.Logger) error {
	script := devserver.DefaultScript()
	if cfg.Script != "" {
		loaded, err := devserver.LoadScript(cfg.Script)
		if err != nil {
			return err
		}
		script = loaded
	}
	var issuer *auth.Issuer
	if cfg.Secret != "" {
		var err error
		if issuer, err = auth.NewIssuer(cfg.Secret, cfg.TokenTTL); err != nil {
			return err
		}
	}

	serverCfg := devserver.DefaultConfig()
	serverCfg.Host = cfg.Host
	serverCfg.Port = cfg.Port
	serverCfg.Debug = cfg.Debug
	server := devserver.New(devserver.Options{Config: serverCfg, Issuer: issuer, Script: script, Logger: logger})

	token, err := server.IssueToken("dev")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, DeepStatus(fmt.Sprintf("dev server on http://%s (script %q)", server.Addr(), script.Name)))
	if issuer != nil {
		fmt.Fprintf(out, "token: %s\n", token)
	}

	ctx, cancel := signalContext()
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return server.Stop(shutdownCtx)
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print resolved values and where they came from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printConfig(cmd, cfg, meta)
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func printConfig(cmd *cobra.Command, cfg config.Config, meta config.Metadata) {
	out := cmd.OutOrStdout()
	if file := meta.File(); file != "" {
		fmt.Fprintf(out, "file: %s\n", file)
	}
	values := flatten(cfg)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%-30s %-36s %s\n", key, values[key], gray("("+string(meta.Source(key))+")"))
	}
	report := config.Validate(cfg)
	for _, issue := range report.Warnings {
		fmt.Fprintln(out, yellow(fmt.Sprintf("warning %s: %s", issue.Key, issue.Message)))
	}
	for _, issue := range report.Errors {
		fmt.Fprintln(out, red(fmt.Sprintf("error %s: %s", issue.Key, issue.Message)))
	}
}

func flatten(cfg config.Config) map[string]string {
	secret := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	return map[string]string{
		"stream.url":                  cfg.Stream.URL,
		"stream.reconnect_interval":   cfg.Stream.ReconnectInterval.String(),
		"stream.max_attempts":         fmt.Sprint(cfg.Stream.MaxAttempts),
		"stream.heartbeat":            cfg.Stream.Heartbeat.String(),
		"stream.queue_size":           fmt.Sprint(cfg.Stream.QueueSize),
		"stream.max_frame_bytes":      fmt.Sprint(cfg.Stream.MaxFrameBytes),
		"api.base_url":                cfg.API.BaseURL,
		"api.timeout":                 cfg.API.Timeout.String(),
		"api.max_tries":               fmt.Sprint(cfg.API.MaxTries),
		"api.cache_size":              fmt.Sprint(cfg.API.CacheSize),
		"auth.token":                  secret(cfg.Auth.Token),
		"auth.token_file":             cfg.Auth.TokenFile,
		"auth.refresh_ahead":          cfg.Auth.RefreshAhead.String(),
		"auth.max_failures":           fmt.Sprint(cfg.Auth.MaxFailures),
		"breakpoint.granularity":      cfg.Breakpoint.Granularity,
		"breakpoint.pause_on_failure": fmt.Sprint(cfg.Breakpoint.PauseOnFailure),
		"log.level":                   cfg.Log.Level,
		"log.stderr":                  fmt.Sprint(cfg.Log.Stderr),
		"metrics.listen":              cfg.Metrics.Listen,
		"view.history_limit":          fmt.Sprint(cfg.View.HistoryLimit),
		"view.show_all":               fmt.Sprint(cfg.View.ShowAll),
		"view.no_color":               fmt.Sprint(cfg.View.NoColor),
		"devserver.host":              cfg.DevServer.Host,
		"devserver.port":              fmt.Sprint(cfg.DevServer.Port),
		"devserver.script":            cfg.DevServer.Script,
		"devserver.secret":            secret(cfg.DevServer.Secret),
		"devserver.token_ttl":         cfg.DevServer.TokenTTL.String(),
		"devserver.debug":             fmt.Sprint(cfg.DevServer.Debug),
	}
}
