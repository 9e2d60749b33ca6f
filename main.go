package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshchat/internal/app"
	"meshchat/internal/config"
	"meshchat/internal/discovery"
	"meshchat/internal/history"
	"meshchat/internal/logger"
	"meshchat/internal/room"
	"meshchat/internal/session"
	"meshchat/internal/transport/relay"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	configPath string
	flagName   string
	flagTrans  string
	flagRelay  string
	flagLevel  string
	flagLog    string
	noHistory  bool
	passphrase string
	listenAddr string
	peerCount  int

	rootCmd = &cobra.Command{
		Use:   "meshchat",
		Short: "End-to-end encrypted peer-to-peer group chat",
		Long: `meshchat - a peer-to-peer group chat for ephemeral rooms.

The creator of a room mints a symmetric room key and hands it to every
joiner over a pairwise X25519 key agreement. Members then connect to each
other directly and exchange ChaCha20-Poly1305 encrypted messages.

TRANSPORTS:
• relay: a websocket rendezvous (run one with "meshchat relay")
• lan:   direct QUIC channels, peers found over mDNS`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new room and wait for others to join",
		Long: `Create a new room.

WHAT THIS DOES:
• Generates a random room ID to share with the people you want to invite
• Mints the room key and hands it to each joiner
• Displays your identity fingerprint for out-of-band verification`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, room.RoleCreator, "")
		},
	}

	joinCmd = &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join an existing room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, room.RoleJoiner, args[0])
		},
	}

	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket rendezvous server",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}

	historyCmd = &cobra.Command{
		Use:   "history <room-id>",
		Short: "Print the locally stored history of a room",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run a room in-process and report how the mesh formed",
		Args:  cobra.NoArgs,
		RunE:  runSimulate,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "meshchat", version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	pf.StringVar(&flagName, "name", "", "display name shown to other members")
	pf.StringVar(&flagTrans, "transport", "", "transport: relay or lan")
	pf.StringVar(&flagRelay, "relay", "", "relay websocket URL, e.g. ws://host:8765/ws")
	pf.StringVar(&flagLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagLog, "log-file", "", "write logs to this file")
	pf.BoolVar(&noHistory, "no-history", false, "do not load or save local history")

	for _, c := range []*cobra.Command{createCmd, joinCmd, historyCmd} {
		c.Flags().StringVar(&passphrase, "passphrase", "", "history passphrase (default $MESHCHAT_HISTORY_PASSPHRASE)")
	}
	relayCmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on (default :8765)")

	simulateCmd.Flags().IntVar(&peerCount, "peers", 3, "number of joiners")

	rootCmd.AddCommand(createCmd, joinCmd, relayCmd, historyCmd, simulateCmd, versionCmd)
}

func main() {
	// the UI owns stdout; stray log.Printf calls from libraries go nowhere
	log.SetOutput(io.Discard)
	log.SetFlags(0)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

// loadConfig merges file, environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Identity.Name = flagName
	}
	if flags.Changed("transport") {
		cfg.Network.Transport = flagTrans
	}
	if flags.Changed("relay") {
		cfg.Network.RelayURL = flagRelay
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = flagLog
	}
	if noHistory {
		cfg.History.Enabled = false
	}
	if flags.Changed("listen") {
		cfg.Network.RelayListen = listenAddr
	}

	if cfg.Log.File != "" {
		if err := logger.SetOutputFile(cfg.Log.File); err != nil {
			return nil, err
		}
	}
	if cfg.Log.Level != "" {
		logger.SetLevelFromString(cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func historyPassphrase() string {
	if passphrase != "" {
		return passphrase
	}
	return os.Getenv("MESHCHAT_HISTORY_PASSPHRASE")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runChat(cmd *cobra.Command, role room.Role, roomID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if role == room.RoleJoiner {
		fmt.Printf("🔍 Joining room %s via %s...\n", room.ShortID(roomID), cfg.Network.Transport)
	}

	chat, err := app.New(ctx, app.Options{
		Config:     cfg,
		Role:       role,
		RoomID:     roomID,
		Passphrase: historyPassphrase(),
	})
	if err != nil {
		return err
	}

	if role == room.RoleCreator {
		fmt.Printf("🔐 Room created\n")
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
		fmt.Printf("📱 Room ID: %s\n", chat.RoomID())
		fmt.Printf("🔑 Your Identity Fingerprint: %s\n", chat.Session().Fingerprint())
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
		fmt.Printf("💡 Others join with: meshchat join %s\n", chat.RoomID())
		fmt.Printf("⚠️  Verify fingerprints through a trusted channel\n")
	}

	return chat.Run(ctx)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	srv := relay.NewServer(logger.L())
	fmt.Printf("📡 Relay listening on %s (websocket path %s)\n", cfg.Network.RelayListen, relay.Path)

	go func() {
		stunCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if addr, err := discovery.ExternalUDPAddr(stunCtx, cfg.Discovery.STUNServers); err == nil {
			fmt.Printf("🌐 External address: %s\n", addr)
		}
	}()

	return srv.ListenAndServe(ctx, cfg.Network.RelayListen)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !room.ValidateRoomID(args[0]) {
		return fmt.Errorf("invalid room ID format")
	}
	return app.PrintHistory(cmd.Context(), cfg, args[0], historyPassphrase(), cmd.OutOrStdout())
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := app.Simulate(ctx, peerCount, cmd.OutOrStdout())
	return err
}

// describe turns the errors a user can act on into plain advice.
func describe(err error) string {
	switch {
	case errors.Is(err, history.ErrDecryptionFailed):
		return "DecryptionFailed: wrong passphrase or corrupted history"
	case errors.Is(err, session.ErrTransportLost):
		return fmt.Sprintf("%v (the relay or network went away)", err)
	case errors.Is(err, session.ErrTransportRegistrationFailed):
		return fmt.Sprintf("%v (is the relay running and the room id free?)", err)
	default:
		return err.Error()
	}
}
