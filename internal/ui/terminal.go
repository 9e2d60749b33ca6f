// Package ui is the terminal front end: it prints session events and turns
// stdin lines into messages and commands.
package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"meshchat/internal/room"
	"meshchat/internal/session"
)

const (
	colorReset = "\033[0m"
	colorDim   = "\033[2m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
)

// Options configures a TerminalUI. Nil In and Out mean stdin and stdout.
type Options struct {
	RoomID     string
	In         io.Reader
	Out        io.Writer
	Colors     bool
	Timestamps bool
}

// TerminalUI is the simple terminal interface
type TerminalUI struct {
	roomID     string
	in         io.Reader
	out        io.Writer
	colors     bool
	timestamps bool

	lines chan string

	// sync
	outputMux sync.Mutex
	members   []string
	state     session.State
}

// NewTerminalUI creates a new terminal UI instance
func NewTerminalUI(opts Options) *TerminalUI {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &TerminalUI{
		roomID:     opts.RoomID,
		in:         opts.In,
		out:        opts.Out,
		colors:     opts.Colors,
		timestamps: opts.Timestamps,
		lines:      make(chan string),
	}
}

// Start reads input until EOF or ctx ends. Lines arrive on Input, which is
// closed at the end.
func (ui *TerminalUI) Start(ctx context.Context) {
	go func() {
		defer close(ui.lines)
		scanner := bufio.NewScanner(ui.in)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				ui.prompt()
				continue
			}
			select {
			case ui.lines <- text:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Input delivers trimmed, non-empty lines.
func (ui *TerminalUI) Input() <-chan string {
	return ui.lines
}

// ShowWelcome prints the banner.
func (ui *TerminalUI) ShowWelcome(identity, fingerprint string) {
	ui.outputMux.Lock()
	defer ui.outputMux.Unlock()

	fmt.Fprintf(ui.out, "\nmeshchat: end-to-end encrypted room\n")
	fmt.Fprintf(ui.out, "Room: %s\n", ui.roomID)
	fmt.Fprintf(ui.out, "You:  %s (fingerprint %s)\n", room.ShortID(identity), fingerprint)
	fmt.Fprintf(ui.out, "Commands: /peers, /key, /quit. Press Ctrl+C to quit at any time.\n\n")
}

// AddMessage prints a chat message.
func (ui *TerminalUI) AddMessage(msg session.ChatMessage) {
	ui.outputMux.Lock()
	defer ui.outputMux.Unlock()

	ui.clearLine()
	text := Sanitize(msg.Content.Text)
	if msg.Content.Kind == session.KindLink {
		text = "🔗 " + ui.paint(colorCyan, text)
	}

	if msg.Local {
		fmt.Fprintf(ui.out, "%s📤 You: %s\n", ui.stamp(msg.Timestamp), text)
	} else {
		sender := SenderLabel(msg.Content.Sender, msg.From)
		fmt.Fprintf(ui.out, "%s📥 %s: %s\n", ui.stamp(msg.Timestamp), ui.paint(colorGreen, sender), text)
	}
	ui.promptLocked()
}

// SenderLabel names a remote author. The claimed name is only a hint, so
// the shortened channel identity is always shown beside it.
func SenderLabel(claimed, identity string) string {
	short := Sanitize(room.ShortID(identity))
	name := strings.TrimSpace(Sanitize(claimed))
	if name == "" {
		return short
	}
	return name + " [" + short + "]"
}

// Sanitize drops control and bidi formatting runes from peer-supplied text
// so it cannot move the cursor or rewrite earlier lines.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.Is(unicode.Bidi_Control, r) {
			return -1
		}
		return r
	}, s)
}

// AddSystemMessage adds a system message
func (ui *TerminalUI) AddSystemMessage(message string) {
	ui.line("🔧 System", message)
}

// AddSecurityMessage adds a security-related message
func (ui *TerminalUI) AddSecurityMessage(message string) {
	ui.line("🛡️  Security", message)
}

// AddError prints err in red.
func (ui *TerminalUI) AddError(message string) {
	ui.line("❌ Error", ui.paint(colorRed, message))
}

func (ui *TerminalUI) line(label, message string) {
	ui.outputMux.Lock()
	defer ui.outputMux.Unlock()

	ui.clearLine()
	fmt.Fprintf(ui.out, "%s%s: %s\n", ui.stamp(time.Now()), label, message)
	ui.promptLocked()
}

// UpdateState reports protocol progress the user cares about.
func (ui *TerminalUI) UpdateState(state session.State) {
	ui.outputMux.Lock()
	old := ui.state
	ui.state = state
	ui.outputMux.Unlock()

	if old == state {
		return
	}
	switch state {
	case session.StateAwaitingJoins:
		ui.AddSecurityMessage("🟢 Room key created. Share the room id so others can join.")
	case session.StateAwaitingRoomKey:
		ui.AddSecurityMessage("Waiting for the room creator to hand over the room key…")
	case session.StateHasRoomKey:
		ui.AddSecurityMessage("🟢 Room key received. You can start chatting securely.")
	case session.StateClosed:
		ui.AddSystemMessage("Session closed.")
	}
}

// UpdatePeers prints who joined and left. members includes us.
func (ui *TerminalUI) UpdatePeers(members []string) {
	ui.outputMux.Lock()
	joined, left := diff(ui.members, members)
	ui.members = append([]string(nil), members...)
	ui.outputMux.Unlock()

	for _, id := range joined {
		ui.AddSystemMessage(fmt.Sprintf("🔍 %s joined. Members: %d", room.ShortID(id), len(members)))
	}
	for _, id := range left {
		ui.AddSystemMessage(fmt.Sprintf("🔌 %s left. Members: %d", room.ShortID(id), len(members)))
	}
}

// ShowPeers prints the /peers table.
func (ui *TerminalUI) ShowPeers(peers []session.PeerInfo) {
	ui.outputMux.Lock()
	defer ui.outputMux.Unlock()

	ui.clearLine()
	if len(peers) == 0 {
		fmt.Fprintf(ui.out, "No peers connected yet.\n")
		ui.promptLocked()
		return
	}

	fmt.Fprintf(ui.out, "\n🔑 PEERS:\n")
	fmt.Fprintf(ui.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	for _, p := range peers {
		name := Sanitize(p.DisplayName)
		if name == "" {
			name = "?"
		}
		fp := p.Fingerprint
		if fp == "" {
			fp = "(not announced)"
		}
		status := "connecting"
		if p.Open {
			status = "open"
		}
		fmt.Fprintf(ui.out, "👤 %-12s %s  %s  [%s]\n", name, room.ShortID(p.Identity), fp, status)
	}
	fmt.Fprintf(ui.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(ui.out, "💡 Verify these fingerprints with your peers through a separate channel\n\n")
	ui.promptLocked()
}

func (ui *TerminalUI) prompt() {
	ui.outputMux.Lock()
	defer ui.outputMux.Unlock()
	ui.promptLocked()
}

func (ui *TerminalUI) promptLocked() {
	fmt.Fprint(ui.out, "> ")
}

// clear current line and move to beginning
func (ui *TerminalUI) clearLine() {
	fmt.Fprint(ui.out, "\r\033[K")
}

func (ui *TerminalUI) stamp(t time.Time) string {
	if !ui.timestamps {
		return ""
	}
	return ui.paint(colorDim, "["+t.Format("15:04:05")+"]") + " "
}

func (ui *TerminalUI) paint(color, s string) string {
	if !ui.colors {
		return s
	}
	return color + s + colorReset
}

func diff(before, after []string) (joined, left []string) {
	seen := make(map[string]bool, len(before))
	for _, id := range before {
		seen[id] = true
	}
	now := make(map[string]bool, len(after))
	for _, id := range after {
		now[id] = true
		if !seen[id] {
			joined = append(joined, id)
		}
	}
	for _, id := range before {
		if !now[id] {
			left = append(left, id)
		}
	}
	return joined, left
}

// Command is a parsed slash command.
type Command struct {
	Name string
	Arg  string
}

// ParseCommand splits "/name arg". ok is false for plain chat text.
func ParseCommand(line string) (cmd Command, ok bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return Command{}, false
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return Command{Name: strings.ToLower(name), Arg: strings.TrimSpace(arg)}, true
}
