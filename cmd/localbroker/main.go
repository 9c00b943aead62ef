package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localbroker/internal/app"
	"localbroker/internal/config"
)

var (
	flagConfig string
	flagPort   int
	flagDir    string
	flagQuiet  bool
)

var rootCmd = &cobra.Command{
	Use:          "localbroker",
	Short:        "Local resource broker: content cache, whitelist proxy and async-task middleware",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to the config file (default: "+config.FileName+" next to the binary)")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides config)")
	rootCmd.Flags().StringVarP(&flagDir, "dir", "d", "", "save directory (overrides config)")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "disable request logging")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if path, loaded, err := loadEnvFile(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	} else if loaded > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "loaded %d variables from %s\n", loaded, path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagPort > 0 {
		cfg.Port = flagPort
	}
	if flagDir != "" {
		cfg.SavePath = flagDir
	}
	if flagQuiet {
		cfg.LogEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if !cfg.LogEnabled {
		logger = logger.Level(zerolog.WarnLevel)
	}

	srv, err := app.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Str("save_path", cfg.SavePath).Msg("broker listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadConfig reads the config file named by --config, LOCALBROKER_CONFIG, or
// the default location, then applies LOCALBROKER_PORT / LOCALBROKER_SAVE_PATH
// overrides from the environment.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("LOCALBROKER_CONFIG")
	}
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = "."
		}
		path = filepath.Join(filepath.Dir(exe), config.FileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if raw := os.Getenv("LOCALBROKER_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if dir := os.Getenv("LOCALBROKER_SAVE_PATH"); dir != "" {
		cfg.SavePath = dir
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
