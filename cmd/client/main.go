// Command chatsync is the terminal chat client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/chatsync/internal/client/config"
	"github.com/cloudzz-dev/chatsync/internal/client/debug"
	"github.com/cloudzz-dev/chatsync/internal/client/session"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootFlags struct {
	config  string
	profile string
	server  string
	debug   bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal chat client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), f)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "chatsync.yaml", "config file path")
	root.PersistentFlags().StringVarP(&f.profile, "profile", "p", "default", "session profile")
	root.PersistentFlags().StringVar(&f.server, "server", "", "backend URL (overrides config)")
	root.PersistentFlags().BoolVar(&f.debug, "debug", false, "write a debug log")

	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session for this profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return logout(cmd.Context(), f)
		},
	})
	return root
}

func loadConfig(f rootFlags) (config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return cfg, err
	}
	if f.server != "" {
		cfg.Server.URL = f.server
	}
	if f.debug {
		cfg.Logging.Debug = true
	}
	return cfg, cfg.Validate()
}

func runTUI(ctx context.Context, f rootFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger, closeLog, err := debug.NewLogger(cfg.Logging.Debug, cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := session.ForProfile(f.profile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()

	p := tea.NewProgram(initialModel(a), tea.WithAltScreen(), tea.WithReportFocus())
	a.program = p
	_, err = p.Run()
	return err
}

func logout(ctx context.Context, f rootFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	store, err := session.ForProfile(f.profile)
	if err != nil {
		return err
	}
	sess, err := store.Load()
	if errors.Is(err, session.ErrNoSession) {
		fmt.Println("No saved session.")
		return nil
	}
	if err == nil && sess.ServerURL == cfg.Server.URL {
		client := newAPIClient(cfg, nil)
		client.SetTokens(sess.AccessToken, sess.RefreshToken)
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		// The server keeps no session state; local cleanup is what matters.
		_ = client.Logout(ctx)
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
