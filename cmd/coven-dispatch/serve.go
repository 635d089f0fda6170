// ABOUTME: serve and init subcommands
// ABOUTME: Loads configuration, starts the gateway and writes the annotated config template

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/gateway"
)

// loadConfig reads path, falling back to defaults when the file does not exist.
func loadConfig(path string) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("loading config: %w", err)
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the dispatch server",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fromFile, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			cyan.Print(banner)
			gray.Printf("    version: %s\n\n", version)

			green.Print("    ▶ ")
			if fromFile {
				fmt.Printf("Config:    %s\n", configPath)
			} else {
				fmt.Printf("Config:    defaults (%s not found)\n", configPath)
			}
			green.Print("    ▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			green.Print("    ▶ ")
			fmt.Printf("Database:  %s\n", cfg.Database.Driver)
			green.Print("    ▶ ")
			fmt.Printf("Queue:     %s\n", cfg.Queue.Driver)
			if cfg.Tailscale.Enabled {
				green.Print("    ▶ ")
				fmt.Printf("Tailscale: ")
				cyan.Print(cfg.Tailscale.Hostname)
				if cfg.Tailscale.Funnel {
					yellow.Print(" [funnel]")
				}
				if cfg.Tailscale.Ephemeral {
					gray.Print(" (ephemeral)")
				}
				fmt.Println()
			}
			if cfg.Auth.Token == "" {
				yellow.Println("    ! auth disabled: set auth.token to require a shared secret")
			}
			fmt.Println()

			logger := setupLogger(cfg.Logging)
			logger.Info("starting coven-dispatch",
				"version", version,
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"database", cfg.Database.Driver,
				"queue", cfg.Queue.Driver,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			if fromFile {
				if err := gw.WatchConfig(configPath); err != nil {
					logger.Warn("config hot reload unavailable", "error", err)
				}
			}
			return gw.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file (yaml or toml)")
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init [path]",
		Short:   "Write an annotated config file with defaults",
		GroupID: "server",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath()
			if len(args) == 1 {
				path = args[0]
			}
			return writeTemplate(path, force, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func writeTemplate(path string, force bool, out io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Template), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "Config written to %s\n", path)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  coven-dispatch serve --config %s\n", path)
	return nil
}
