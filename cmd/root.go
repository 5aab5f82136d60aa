// Package cmd provides the curtaild command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/minegrid/curtaild/app"
	"github.com/minegrid/curtaild/config"
	"github.com/minegrid/curtaild/infra/logger"
)

var (
	cfgPath   string
	fleetPath string
)

var rootCmd = &cobra.Command{
	Use:   "curtaild",
	Short: "Power curtailment planning and execution engine",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.Flags().StringVar(&fleetPath, "fleet", "", "optional YAML fleet file to seed the unit inventory")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("service close: %v", err)
		}
	}()
	if fleetPath != "" {
		if _, err := svc.LoadFleet(ctx, fleetPath); err != nil {
			return err
		}
	}
	return svc.Run(ctx)
}
