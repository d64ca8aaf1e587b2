package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"iinaplus/bridge/backend/app"
	"iinaplus/bridge/backend/config"
)

//go:embed frontend
var frontendFS embed.FS

var (
	configFile string
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "iinaplus-bridge",
	Short: "Local control service for the iina+ player",
	Long: `iinaplus-bridge resolves bilibili live rooms, videos and bangumi episodes into
playable stream descriptors and relays danmaku to the player overlay over a
loopback websocket.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./data/config.json or $IINAPLUS_CONFIG_FILE)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "loopback port, overrides the config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	var overrides []config.Override
	if cmd.Flags().Changed("port") {
		overrides = append(overrides, func(cfg *config.Config) { cfg.Port = port })
	}
	cfgManager, err := config.NewManager(configFile, overrides...)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	overlay, err := fs.Sub(frontendFS, "frontend/danmaku")
	if err != nil {
		return fmt.Errorf("resolve embedded overlay failed: %w", err)
	}
	application, err := app.New(cfgManager, overlay)
	if err != nil {
		return fmt.Errorf("init app failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = application.Shutdown(context.Background())
			return fmt.Errorf("server stopped with error: %w", err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
