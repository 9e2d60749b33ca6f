package session

import (
	"net/url"
	"strings"
	"time"
)

// ContentKind distinguishes plain text from a hyperlink.
type ContentKind string

const (
	KindText ContentKind = "text"
	KindLink ContentKind = "link"
)

// Content is the plaintext carried inside a ChatEnvelope.
type Content struct {
	Text   string      `json:"text"`
	Sender string      `json:"sender"`
	Kind   ContentKind `json:"type"`
}

// ChatMessage is a delivered chat message.
type ChatMessage struct {
	ID      string
	From    string
	Content Content
	// Timestamp is the sender's stamp, or local receive time if the
	// envelope had none.
	Timestamp time.Time
	// Local is set on the loopback copy of our own sends.
	Local bool
}

// DetectKind returns KindLink when text is a single absolute http(s) URL.
func DetectKind(text string) ContentKind {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, " \t\n") {
		return KindText
	}

	u, err := url.Parse(text)
	if err != nil || u.Host == "" {
		return KindText
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return KindText
	}
	return KindLink
}
