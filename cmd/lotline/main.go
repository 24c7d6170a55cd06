package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lotline/lotline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "lotline",
	Short: "Lotline - manufacturing lot and serial traceability",
	Long:  `Lotline tracks production lots and serialized units through assembly processes, with a durable offline queue so line terminals keep recording when the server is unreachable.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
)

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(homeDir, ".lotline", "config.yaml")

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lotCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(outboxCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiAddr != "" {
		cfg.Client.APIBaseURL = apiAddr
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
