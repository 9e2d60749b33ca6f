package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/session"
)

const roomID = "Mesh_4f9d2cA7Bq1WmZr8TxkLpN3sHe6Ju5Vy"

func newTestUI(in string) (*TerminalUI, *bytes.Buffer) {
	var out bytes.Buffer
	return NewTerminalUI(Options{RoomID: roomID, In: strings.NewReader(in), Out: &out}), &out
}

func TestInputLines(t *testing.T) {
	ui, _ := newTestUI("hello\n\n  spaced  \n/quit\n")
	ui.Start(context.Background())

	var got []string
	for line := range ui.Input() {
		got = append(got, line)
	}
	assert.Equal(t, []string{"hello", "spaced", "/quit"}, got)
}

func TestAddMessage(t *testing.T) {
	ui, out := newTestUI("")
	ui.AddMessage(session.ChatMessage{
		From:      roomID,
		Content:   session.Content{Text: "hi there", Sender: "ana", Kind: session.KindText},
		Timestamp: time.Now(),
	})
	ui.AddMessage(session.ChatMessage{
		Content: session.Content{Text: "https://example.org", Kind: session.KindLink},
		Local:   true,
	})

	s := out.String()
	assert.Contains(t, s, "📥 ana [Mesh_4f9...6Ju5Vy]: hi there")
	assert.Contains(t, s, "📤 You: 🔗 https://example.org")
	assert.NotContains(t, s, "\033[3", "colors are off")
}

func TestUnnamedSenderFallsBackToIdentity(t *testing.T) {
	ui, out := newTestUI("")
	ui.AddMessage(session.ChatMessage{From: roomID + "-a1b2c3d4", Content: session.Content{Text: "yo"}})
	assert.Contains(t, out.String(), "Mesh_4f9...b2c3d4: yo")
}

func TestPeerTextCannotRewriteTheTerminal(t *testing.T) {
	ui, out := newTestUI("")
	ui.AddMessage(session.ChatMessage{
		From: roomID + "-e7f1a2b3",
		Content: session.Content{
			Text:   "hi\r\033[K🛡️  Security: Room key fingerprint: deadbeef",
			Sender: "alice\u202e",
		},
	})

	s := out.String()
	assert.Contains(t, s, "📥 alice [Mesh_4f9...f1a2b3]: hi[K🛡️  Security: Room key fingerprint: deadbeef\n")
	// the only escapes left are the UI's own line clear
	assert.Equal(t, 1, strings.Count(s, "\033"))
	assert.Equal(t, 1, strings.Count(s, "\r"))
	assert.NotContains(t, s, "\u202e")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "plain text", Sanitize("plain text"))
	assert.Equal(t, "ab", Sanitize("a\nb"))
	assert.Equal(t, "a[2Jb", Sanitize("a\x1b[2Jb"))
	assert.Equal(t, "héllo 👋", Sanitize("héllo 👋\u200f"))
}

func TestSenderLabel(t *testing.T) {
	assert.Equal(t, "ana [short]", SenderLabel("ana", "short"))
	assert.Equal(t, "short", SenderLabel(" \t", "short"))
}

func TestUpdatePeersReportsChanges(t *testing.T) {
	ui, out := newTestUI("")
	ui.UpdatePeers([]string{"self"})
	ui.UpdatePeers([]string{"self", "bob"})
	ui.UpdatePeers([]string{"self"})

	s := out.String()
	assert.Contains(t, s, "bob joined. Members: 2")
	assert.Contains(t, s, "bob left. Members: 1")
	assert.Equal(t, 1, strings.Count(s, "self joined"))
}

func TestUpdateStateOnlyOnChange(t *testing.T) {
	ui, out := newTestUI("")
	ui.UpdateState(session.StateHasRoomKey)
	ui.UpdateState(session.StateHasRoomKey)
	assert.Equal(t, 1, strings.Count(out.String(), "Room key received"))
}

func TestShowPeers(t *testing.T) {
	ui, out := newTestUI("")
	ui.ShowPeers(nil)
	assert.Contains(t, out.String(), "No peers")

	ui.ShowPeers([]session.PeerInfo{{Identity: roomID, DisplayName: "ana", Fingerprint: "abcd", Open: true}})
	assert.Contains(t, out.String(), "ana")
	assert.Contains(t, out.String(), "abcd")
	assert.Contains(t, out.String(), "[open]")
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("/PEERS")
	require.True(t, ok)
	assert.Equal(t, "peers", cmd.Name)

	cmd, ok = ParseCommand("/nick  ana ")
	require.True(t, ok)
	assert.Equal(t, Command{Name: "nick", Arg: "ana"}, cmd)

	_, ok = ParseCommand("hello /peers")
	assert.False(t, ok)
	_, ok = ParseCommand("//not a command")
	assert.False(t, ok)
}

func TestShowWelcomeListsCommands(t *testing.T) {
	ui, out := newTestUI("")
	ui.ShowWelcome(roomID, "0011aabb")

	s := out.String()
	assert.Contains(t, s, "Room: "+roomID)
	assert.Contains(t, s, "fingerprint 0011aabb")
	for _, cmd := range []string{"/peers", "/key", "/quit"} {
		assert.Contains(t, s, cmd)
	}
}
