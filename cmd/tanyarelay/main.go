package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tanyarelay/internal/app"
	"tanyarelay/internal/config"
	"tanyarelay/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// Main entry point with error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(); err != nil {
		log := logging.For("main")
		log.Fatal().Err(err).Msg("tanyarelay exited")
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run() error {
	// STEP 1: Load configuration with precedence (file > env > .env > defaults)
	cfg, err := loadConfig(os.Getenv("TANYA_CONFIG_FILE"), envOr("TANYA_DOTENV", ".env"))
	if err != nil {
		log := logging.For("main")
		log.Warn().Err(err).Msg("configuration file ignored, using environment")
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	// STEP 4: Start application
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	sig := <-signalCh
	log := logging.For("main")
	log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// loadConfig never returns a nil config; err reports a file that was skipped.
func loadConfig(configPath, dotenvPath string) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(configPath, dotenvPath)
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return cfg, err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
