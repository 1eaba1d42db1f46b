package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/CZERTAINLY/Overseer/internal/log"
	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/CZERTAINLY/Overseer/internal/service"
	"github.com/CZERTAINLY/Overseer/internal/status"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	started        = time.Now()
	userConfigPath string // /default/config/path/overseer on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagWatch          bool   // value of --watch flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "overseer")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is overseer.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().BoolVar(&flagWatch, "watch", false, "reload task and schedule when the config file changes")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initOverseer

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("overseer failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "overseer",
	Short:        "Supervisor running the scraper task on schedule and reporting its health",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the status server and the scraper supervisor",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an overseer",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("overseer: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("overseer: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("overseer",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	loc, err := time.LoadLocation(config.Service.Timezone)
	if err != nil {
		return fmt.Errorf("loading service.timezone: %w", err)
	}

	supervisor, err := service.SupervisorFromConfig(ctx, config)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", config.HTTP.Addr())
	if err != nil {
		return fmt.Errorf("binding status listener: %w", err)
	}
	reporter := status.NewReporter(config.Service.Name, loc, supervisor, status.WithStarted(started))
	server := status.NewServer(reporter.Handler(), config.HTTP.ShutdownTimeout.Std())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, ln)
	})
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	if flagWatch {
		if configPath == "" {
			slog.WarnContext(ctx, "no config file to watch: --watch ignored")
		} else {
			watcher, err := service.NewWatcher(configPath, supervisor)
			if err != nil {
				return err
			}
			g.Go(func() error {
				return watcher.Run(ctx)
			})
		}
	}

	platform := "local"
	if env := config.Task.PlatformEnv; env != "" && os.Getenv(env) != "" {
		platform = os.Getenv(env)
	}
	slog.InfoContext(ctx, "overseer started",
		"addr", ln.Addr().String(),
		"service", config.Service.Name,
		"mode", config.Schedule.Mode,
		"startup_delay", config.Schedule.StartupDelay,
		"platform", platform,
		"local_time", time.Now().In(loc).Format(time.DateTime),
	)

	err = g.Wait()
	slog.InfoContext(ctx, "overseer stopped", "uptime", time.Since(started).Round(time.Second))
	return err
}

func initOverseer(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("OVERSEER_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "overseer.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	config, err = model.LoadConfig(configPath)
	if err != nil {
		service.LogConfigError(cmd.Context(), "invalid configuration", err)
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.Service.LogFormat, config.Service.Verbose))

	slog.Debug("overseer run", "configPath", configPath)
	slog.Debug("overseer run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
