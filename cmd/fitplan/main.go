package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/fitplan/config"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
)

func main() {
	// a missing .env is fine; real environment variables still apply
	_ = godotenv.Load()

	var cfgPath string
	var root = &cobra.Command{
		Use:           "fitplan",
		Short:         "Personalised diet and workout plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), ingestCMD(&cfgPath), recommendCMD(&cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("fitplan")
		stop()
		os.Exit(1)
	}
}

// load reads the config and builds the logger it asks for.
func load(cfgPath string) (*config.Config, *log.Logger, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, runtime.NewLogger(cfg.General.LogLevel, cfg.General.Env), nil
}
