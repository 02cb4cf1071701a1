package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/manticore/internal/log"
	"github.com/CZERTAINLY/manticore/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/manticore on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logOutput      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "manticore")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is manticore.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().Int("concurrent", 0, "maximum number of worker processes")
	rootCmd.PersistentFlags().String("metrics-addr", "", "expose Prometheus metrics on this address")
	rootCmd.PersistentFlags().String("trace", "", "write OpenTelemetry spans to stdout, stderr or a file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initManticore
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logOutput != nil {
			return logOutput.Close()
		}
		return nil
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("manticore failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "manticore",
	Short:        "Runs tasks in a pool of worker processes",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a manticore",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("manticore: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("manticore: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return info.Main.Version
}

func initManticore(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("MANTICORECONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "manticore.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		config, err = storeDefaultConfig(cmd.Context())
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	v := model.NewViper()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	model.ApplyOverrides(v, &config)

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	var rotation log.Rotation
	if r := config.Service.LogRotation; r != nil {
		rotation = log.Rotation{
			MaxSizeMB:  r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAgeDays: r.MaxAgeDays,
			Compress:   r.Compress,
		}
	}
	out, err := log.Output(config.Service.Log, rotation)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", config.Service.Log, err)
	}
	logOutput = out
	slog.SetDefault(log.NewWriter(out, config.Service.Verbose))

	ctx := log.ContextAttrs(cmd.Context(), slog.String("command", cmd.Name()))
	cmd.SetContext(ctx)
	slog.DebugContext(ctx, "manticore run", "configPath", configPath)
	slog.DebugContext(ctx, "manticore run", "config", config)
	return nil
}

// bindFlags binds persistent flags to configuration keys.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	for key, name := range map[string]string{
		"pool.concurrent": "concurrent",
		"metrics.addr":    "metrics-addr",
		"trace.output":    "trace",
	} {
		if f := fs.Lookup(name); f != nil {
			errs = append(errs, v.BindPFlag(key, f))
		}
	}
	return errors.Join(errs...)
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.FieldErrors(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return *cfg, nil
}

// storeDefaultConfig writes the default configuration into the user config
// directory.
func storeDefaultConfig(ctx context.Context) (model.Config, error) {
	cfg := model.DefaultConfig(ctx)
	configPath = filepath.Join(userConfigPath, "manticore.yaml")
	err := os.MkdirAll(filepath.Dir(configPath), 0755)
	if err != nil {
		return cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return cfg, fmt.Errorf("creating file %s: %w", configPath, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return cfg, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
