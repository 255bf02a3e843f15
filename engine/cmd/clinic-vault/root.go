package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clinic-vault/engine/internal/config"
	"clinic-vault/engine/internal/logger"
	"clinic-vault/engine/internal/service"
)

var (
	cfgPath string
	appCfg  config.AppConfig
	svc     *service.Service
)

var rootCmd = &cobra.Command{
	Use:   "clinic-vault",
	Short: "Back up and restore the clinic database and its images",
	Long: StyleTitle.Render("clinic-vault") + " - clinic backup engine\n\n" +
		"Creates verified snapshots of the clinic database, optionally packed\n" +
		"with the dental image tree, and restores them with automatic rollback.",
	SilenceUsage:       true,
	PersistentPreRunE:  initializeApp,
	PersistentPostRunE: shutdownApp,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	// post-run hooks are skipped when a command fails
	if cerr := shutdownApp(rootCmd, nil); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config/config.yaml", "path to the config file")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func initializeApp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appCfg = cfg
	if err := logger.Init(cfg.LogPath, cfg.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	s, err := service.Open(cfg, service.WithLogger(logger.Component("engine")))
	if err != nil {
		fmt.Println(FormatError("Cannot open the clinic database"))
		fmt.Println(FormatInfo("Database path: " + cfg.DBPath))
		return err
	}
	svc = s
	return nil
}

func shutdownApp(cmd *cobra.Command, args []string) error {
	if svc == nil {
		return nil
	}
	err := svc.Close()
	svc = nil
	return err
}

// getContext is cancelled by Ctrl-C or SIGTERM.
func getContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
