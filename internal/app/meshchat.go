package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshchat/internal/config"
	"meshchat/internal/discovery"
	"meshchat/internal/history"
	"meshchat/internal/logger"
	"meshchat/internal/room"
	"meshchat/internal/session"
	"meshchat/internal/transport"
	"meshchat/internal/transport/lan"
	"meshchat/internal/transport/relay"
	"meshchat/internal/ui"
)

// pending history writes before new ones are dropped
const saveQueue = 1024

// Options configures one run of the chat.
type Options struct {
	Config *config.Config
	Role   room.Role
	// required for joiners; a creator mints one
	RoomID string
	// empty disables history for this run
	Passphrase string

	// nil means stdin/stdout and the transport named in Config
	In        io.Reader
	Out       io.Writer
	Transport transport.Adapter
}

// MeshChat is the main application state
type MeshChat struct {
	cfg    *config.Config
	log    *slog.Logger
	roomID string

	session    *session.Session
	terminalUI *ui.TerminalUI

	store   *history.Store
	journal *history.Journal
	saves   chan history.Entry
	saverWG sync.WaitGroup

	closeOnce sync.Once
}

// New prepares the room, history and UI and starts the session.
func New(ctx context.Context, opts Options) (*MeshChat, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	roomID := opts.RoomID
	switch opts.Role {
	case room.RoleCreator:
		if roomID == "" {
			id, err := room.GenerateRoomID()
			if err != nil {
				return nil, fmt.Errorf("failed to create room: %w", err)
			}
			roomID = id
		}
	case room.RoleJoiner:
		if !room.ValidateRoomID(roomID) {
			return nil, fmt.Errorf("invalid room ID format")
		}
	}

	mc := &MeshChat{
		cfg:    cfg,
		log:    logger.L().With("component", "app"),
		roomID: roomID,
		saves:  make(chan history.Entry, saveQueue),
	}

	mc.terminalUI = ui.NewTerminalUI(ui.Options{
		RoomID:     roomID,
		In:         opts.In,
		Out:        opts.Out,
		Colors:     cfg.UI.EnableColors,
		Timestamps: cfg.UI.MessageTimestamps,
	})

	if err := mc.openHistory(ctx, opts.Passphrase); err != nil {
		return nil, err
	}

	adapter := opts.Transport
	if adapter == nil {
		adapter = newTransport(cfg, roomID)
	}

	name := cfg.Identity.Name
	if name == "" {
		name = defaultName()
	}

	sess, err := session.Initialize(ctx, session.Options{
		Role:        opts.Role,
		RoomID:      roomID,
		DisplayName: name,
		Transport:   adapter,
		Observer: session.ObserverFuncs{
			Message:      mc.onMessage,
			Participants: mc.terminalUI.UpdatePeers,
			StateChange:  mc.terminalUI.UpdateState,
		},
		JoinRetryInterval: cfg.Session.JoinRetryInterval,
	})
	if err != nil {
		adapter.Close()
		mc.closeHistory()
		return nil, err
	}
	mc.session = sess

	return mc, nil
}

// RoomID is the room this run belongs to.
func (mc *MeshChat) RoomID() string { return mc.roomID }

// Session exposes the running session.
func (mc *MeshChat) Session() *session.Session { return mc.session }

// Run shows the chat and blocks until /quit, end of input, ctx or the
// session ends.
func (mc *MeshChat) Run(ctx context.Context) error {
	defer mc.Close()

	mc.terminalUI.ShowWelcome(mc.session.LocalIdentity(), mc.session.Fingerprint())
	if mc.session.Role() == room.RoleCreator {
		go mc.announceExternalAddr(ctx)
	}
	if mc.journal != nil {
		for _, e := range mc.journal.Entries() {
			mc.terminalUI.AddMessage(messageFromEntry(e))
		}
	}

	inputCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	mc.terminalUI.Start(inputCtx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mc.session.Done():
			if err := mc.session.Err(); err != nil {
				mc.terminalUI.AddError("Lost the connection to the room. Messages can no longer be sent.")
				return err
			}
			return nil
		case line, ok := <-mc.terminalUI.Input():
			if !ok {
				return nil
			}
			if quit := mc.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

func (mc *MeshChat) handleLine(ctx context.Context, line string) (quit bool) {
	if cmd, ok := ui.ParseCommand(line); ok {
		switch cmd.Name {
		case "quit", "exit":
			return true
		case "peers":
			mc.terminalUI.ShowPeers(mc.session.Peers())
		case "key":
			if fp, ok := mc.session.RoomKeyFingerprint(); ok {
				mc.terminalUI.AddSecurityMessage("Room key fingerprint: " + fp)
			} else {
				mc.terminalUI.AddSecurityMessage("No room key yet.")
			}
		default:
			mc.terminalUI.AddSystemMessage(fmt.Sprintf("unknown command /%s (try /peers, /key or /quit)", cmd.Name))
		}
		return false
	}

	err := mc.session.Send(ctx, session.Content{Text: line})
	switch {
	case errors.Is(err, session.ErrNoRoomKey):
		mc.terminalUI.AddError("not connected to the room yet, message not sent")
	case err != nil:
		mc.terminalUI.AddError(fmt.Sprintf("failed to send: %v", err))
	}
	return false
}

// onMessage runs on the session actor; disk writes are handed off.
func (mc *MeshChat) onMessage(msg session.ChatMessage) {
	mc.terminalUI.AddMessage(msg)
	if mc.journal == nil {
		return
	}
	select {
	case mc.saves <- entryFromMessage(msg):
	default:
		mc.log.Warn("history queue full, message not saved", "id", msg.ID)
	}
}

func (mc *MeshChat) announceExternalAddr(ctx context.Context) {
	if len(mc.cfg.Discovery.STUNServers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addr, err := discovery.ExternalUDPAddr(ctx, mc.cfg.Discovery.STUNServers)
	if err != nil {
		mc.log.Debug("external address unknown", "err", err)
		return
	}
	mc.terminalUI.AddSystemMessage("🌐 External address: " + addr)
}

// Close stops the session and flushes history; safe to call twice.
func (mc *MeshChat) Close() {
	mc.closeOnce.Do(func() {
		if mc.session != nil {
			mc.session.Close()
		}
		mc.closeHistory()
	})
}

func (mc *MeshChat) openHistory(ctx context.Context, passphrase string) error {
	if !mc.cfg.History.Enabled {
		return nil
	}
	if passphrase == "" {
		mc.terminalUI.AddSystemMessage("history disabled: no passphrase set (MESHCHAT_HISTORY_PASSPHRASE)")
		return nil
	}

	store, err := openStore(mc.cfg)
	if err != nil {
		return err
	}

	key := history.KeyFromPassphrase(passphrase, mc.roomID)
	journal, err := history.OpenJournal(ctx, store, mc.roomID, key)
	if errors.Is(err, history.ErrDecryptionFailed) {
		// leave the stored blob untouched for this run
		mc.terminalUI.AddError("stored history could not be decrypted, it will not be loaded or saved this session")
		store.Close()
		return nil
	}
	if err != nil {
		store.Close()
		return err
	}

	mc.store = store
	mc.journal = journal
	mc.saverWG.Add(1)
	go mc.saver()
	return nil
}

func (mc *MeshChat) saver() {
	defer mc.saverWG.Done()
	for e := range mc.saves {
		if err := mc.journal.Append(context.Background(), e); err != nil {
			mc.log.Warn("failed to save history", "err", err)
		}
	}
}

func (mc *MeshChat) closeHistory() {
	if mc.journal == nil {
		return
	}
	close(mc.saves)
	mc.saverWG.Wait()
	mc.store.Close()
	mc.journal = nil
}

// PrintHistory writes the stored log of roomID to out.
func PrintHistory(ctx context.Context, cfg *config.Config, roomID, passphrase string, out io.Writer) error {
	if passphrase == "" {
		return errors.New("a passphrase is required (--passphrase or MESHCHAT_HISTORY_PASSPHRASE)")
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Load(ctx, roomID, history.KeyFromPassphrase(passphrase, roomID))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no history for this room")
		return nil
	}
	for _, e := range entries {
		who := "You"
		if !e.Local {
			who = ui.SenderLabel(e.Sender, e.From)
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), who, ui.Sanitize(e.Text))
	}
	return nil
}

func openStore(cfg *config.Config) (*history.Store, error) {
	switch cfg.History.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.History.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		b, err := history.NewSQLiteBackend(filepath.Join(cfg.History.Dir, "history.db"))
		if err != nil {
			return nil, err
		}
		return history.NewStore(b), nil
	default:
		b, err := history.NewFileBackend(cfg.History.Dir)
		if err != nil {
			return nil, err
		}
		return history.NewStore(b), nil
	}
}

func newTransport(cfg *config.Config, roomID string) transport.Adapter {
	log := logger.L()
	if cfg.Network.Transport == config.TransportLAN {
		return lan.NewAdapter(lan.Options{
			MinPort:     cfg.Network.MinPort,
			MaxPort:     cfg.Network.MaxPort,
			Directory:   &discovery.MDNS{RoomID: roomID, Timeout: cfg.Discovery.Timeout},
			DialTimeout: cfg.Network.ConnectTimeout,
			Logger:      log,
		})
	}
	return relay.NewAdapter(cfg.Network.RelayURL, log)
}

func defaultName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "anonymous"
}

func entryFromMessage(m session.ChatMessage) history.Entry {
	return history.Entry{
		ID:        m.ID,
		From:      m.From,
		Sender:    m.Content.Sender,
		Text:      m.Content.Text,
		Kind:      string(m.Content.Kind),
		Timestamp: m.Timestamp,
		Local:     m.Local,
	}
}

func messageFromEntry(e history.Entry) session.ChatMessage {
	return session.ChatMessage{
		ID:   e.ID,
		From: e.From,
		Content: session.Content{
			Text:   e.Text,
			Sender: e.Sender,
			Kind:   session.ContentKind(e.Kind),
		},
		Timestamp: e.Timestamp,
		Local:     e.Local,
	}
}
