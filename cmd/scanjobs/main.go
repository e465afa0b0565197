package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/scanjobs/internal/log"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

var (
	userConfigPath string // /default/config/path/scanjobs on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagEnvFile        string // value of --env-file flag

	vp = viper.New()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "scanjobs")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is scanjobs.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file loaded before the config, missing file is ignored")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	serveCmd.Flags().String("listen", "", "address the HTTP API listens on, default "+model.DefaultListen)
	serveCmd.Flags().Int("capacity", 0, "number of jobs allowed to run at once")
	runCmd.Flags().Int("capacity", 0, "number of jobs allowed to run at once")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initScanjobs

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("scanjobs failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scanjobs",
	Short:        "Engine running long analytical scan jobs",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a scanjobs",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scanjobs: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("scanjobs: %s\n", info.Main.Version)
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

func initScanjobs(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(flagEnvFile); err != nil {
		return err
	}

	if envConfig, ok := os.LookupEnv("SCANJOBSCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "scanjobs.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "scanjobs.yaml")
		config, err = storeDefaultConfig(cmd.Context(), configPath)
	} else {
		config, err = loadConfigFile(configPath)
	}
	if err != nil {
		return err
	}

	if err := bindFlags(cmd); err != nil {
		return err
	}
	applyOverrides(&config, vp)

	slog.SetDefault(log.New(config.Service.Verbose, os.Stderr))
	slog.Debug("scanjobs run", "configPath", configPath)
	slog.Debug("scanjobs run", "config", config)
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func storeDefaultConfig(ctx context.Context, path string) (model.Config, error) {
	cfg := model.DefaultConfig(ctx)
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, fmt.Errorf("creating file %s: %w", path, err)
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

func loadConfigFile(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for i, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid config", d.Attr(fmt.Sprintf("detail%d", i)))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// bindFlags makes flags and SCANJOBS_* environment variables visible to vp.
func bindFlags(cmd *cobra.Command) error {
	vp.SetEnvPrefix("SCANJOBS")
	vp.AutomaticEnv()
	for _, name := range []string{"verbose", "listen", "capacity"} {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := vp.BindPFlag(name, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// applyOverrides gives flags and environment a precedence over config file.
func applyOverrides(cfg *model.Config, v *viper.Viper) {
	if v.IsSet("verbose") && v.GetBool("verbose") {
		cfg.Service.Verbose = true
	}
	if v.IsSet("listen") && v.GetString("listen") != "" {
		cfg.Service.Listen = v.GetString("listen")
	}
	if v.IsSet("capacity") && v.GetInt("capacity") > 0 {
		cfg.Service.Capacity = v.GetInt("capacity")
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
