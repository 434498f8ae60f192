package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"termshare/pkg/account"
	"termshare/pkg/config"
	"termshare/pkg/relay"
	"termshare/pkg/session"
	"termshare/pkg/sharing"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "termshare",
		Short:         "Share a live terminal session with remote observers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file (default ~/.termshare/config.toml)")
	root.PersistentFlags().String("relay", "", "relay base URL")
	root.PersistentFlags().String("token", "", "relay API key")

	root.AddCommand(hostCmd(), joinCmd(), serveCmd(), listCmd())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, _ := config.Load(path)
	if v, _ := cmd.Flags().GetString("relay"); v != "" {
		cfg.RelayURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.APIKey = v
	}
	return cfg
}

func buildManager(cfg config.Config, provider session.Provider, notify sharing.Handler) (*sharing.Manager, error) {
	var settings *sharing.Settings
	if cfg.SettingsPath != "" {
		var err error
		settings, err = sharing.LoadSettings(cfg.SettingsPath, nil)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}
	var accounts account.Service
	if cfg.AccountURL != "" {
		accounts = account.NewClient(cfg.AccountURL, cfg.APIKey)
	} else {
		accounts = account.Static{Account: account.Account{Plan: account.Plan(cfg.Plan)}}
	}
	return sharing.NewManager(sharing.ManagerConfig{
		Provider: provider,
		Accounts: accounts,
		Rooms:    relay.NewClient(cfg.RelayURL, cfg.APIKey),
		Dialer:   sharing.WebsocketDialer{},
		Token:    cfg.APIKey,
		Settings: settings,
		Notify:   notify,
		Logger:   slog.Default(),
	}), nil
}

func hostCmd() *cobra.Command {
	var (
		command  string
		password string
		expire   time.Duration
		name     string
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Share a local shell through the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(cmd)
			if command == "" {
				command = session.DefaultShell()
			}
			provider := session.NewLocalProvider(nil)
			mgr, err := buildManager(cfg, provider, hostNotifier())
			if err != nil {
				return err
			}
			info, err := provider.Start(ctx, name, command)
			if err != nil {
				return err
			}
			unsub, err := provider.SubscribeToOutput(info.ID, func(chunk []byte) {
				os.Stdout.Write(chunk)
			})
			if err != nil {
				return err
			}
			defer unsub()

			share, err := mgr.StartShare(ctx, info.ID, sharing.StartOptions{
				Password:  password,
				ExpiresIn: expire,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Share code: %s\n", share.ShareCode)
			fmt.Fprintf(os.Stderr, "Share URL:  %s\n", share.ShareURL)
			fmt.Fprintf(os.Stderr, "Join with:  termshare join %s\n", share.ShareCode)

			go func() {
				buf := make([]byte, 1024)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						_ = provider.SendInput(info.ID, buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mgr.StopShare(stopCtx, info.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "command to share (default $SHELL)")
	cmd.Flags().StringVar(&password, "password", "", "require a password to join")
	cmd.Flags().DurationVar(&expire, "expire", 0, "auto-expire the share after this duration")
	cmd.Flags().StringVar(&name, "name", "", "session label shown to observers")
	return cmd
}

func joinCmd() *cobra.Command {
	var (
		password       string
		displayName    string
		requestControl bool
	)
	cmd := &cobra.Command{
		Use:   "join <code-or-url>",
		Short: "Observe a shared session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(cmd)
			done := make(chan sharing.StopReason, 1)
			notify := func(ev sharing.Event) {
				switch ev.Kind {
				case sharing.EventOutput:
					os.Stdout.Write(ev.Output)
				case sharing.EventControlGranted:
					fmt.Fprintln(os.Stderr, "\n[control granted: you can type]")
				case sharing.EventControlRevoked:
					fmt.Fprintln(os.Stderr, "\n[control revoked]")
				case sharing.EventShareStopped:
					select {
					case done <- ev.Reason:
					default:
					}
				}
			}
			mgr, err := buildManager(cfg, noSessions{}, notify)
			if err != nil {
				return err
			}
			state, err := mgr.JoinShare(ctx, args[0], sharing.JoinOptions{
				Password:    password,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Joined %s (%s)\n", state.ShareCode, state.SessionName)
			if requestControl {
				if err := mgr.RequestControl(state.ShareCode); err != nil {
					fmt.Fprintf(os.Stderr, "control request failed: %v\n", err)
				}
			}

			go func() {
				buf := make([]byte, 1024)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						_ = mgr.SendInput(state.ShareCode, buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

			select {
			case reason := <-done:
				fmt.Fprintf(os.Stderr, "\n[share stopped: %s]\n", reason)
			case <-ctx.Done():
				_ = mgr.LeaveShare(state.ShareCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "share password")
	cmd.Flags().StringVar(&displayName, "name", "", "display name shown to the host")
	cmd.Flags().BoolVar(&requestControl, "request-control", false, "ask for input control on join")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr     string
		token    string
		maxRooms int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a self-hosted relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &relay.Server{Addr: addr, Token: token, MaxRooms: maxRooms}
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7777", "listen address")
	cmd.Flags().StringVar(&token, "token", "devtoken", "bearer token clients must present")
	cmd.Flags().IntVar(&maxRooms, "max-rooms", 10, "concurrent room cap")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rooms on the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			rooms, err := relay.NewClient(cfg.RelayURL, cfg.APIKey).ListRooms(cmd.Context())
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				fmt.Println("No active rooms.")
				return nil
			}
			for _, r := range rooms {
				status := "orphaned"
				if r.HostConnected {
					status = "active"
				}
				fmt.Printf("%s  %s  %s\n", r.Code, status, r.URL)
			}
			return nil
		},
	}
}

func hostNotifier() sharing.Handler {
	return func(ev sharing.Event) {
		switch ev.Kind {
		case sharing.EventObserverJoined:
			fmt.Fprintf(os.Stderr, "\n[observer joined: %s]\n", ev.DisplayName)
		case sharing.EventObserverLeft:
			fmt.Fprintf(os.Stderr, "\n[observer left: %s]\n", ev.ObserverID)
		case sharing.EventControlRequested:
			fmt.Fprintf(os.Stderr, "\n[control requested by %s (%s)]\n", ev.DisplayName, ev.ObserverID)
		case sharing.EventShareStopped:
			fmt.Fprintf(os.Stderr, "\n[share stopped: %s]\n", ev.Reason)
		}
	}
}

// noSessions satisfies the provider contract for observer-only use.
type noSessions struct{}

func (noSessions) GetSession(string) (session.Info, bool) { return session.Info{}, false }
func (noSessions) SubscribeToOutput(string, func([]byte)) (func(), error) {
	return nil, fmt.Errorf("no local sessions")
}
func (noSessions) SendInput(string, []byte) error { return fmt.Errorf("no local sessions") }
func (noSessions) OnSessionEnd(func(string))      {}
