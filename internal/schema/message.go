package schema

import (
	"fmt"
	"strings"
)

// Channel commands.
const (
	CmdInit          = "init"
	CmdAuth          = "auth"
	CmdIndex         = "i"
	CmdChange        = "c"
	CmdEntity        = "e"
	CmdChangeVersion = "cv"
	CmdLog           = "log"
	CmdHeartbeat     = "h"
)

// APIVersion is the protocol version sent in the init handshake.
const APIVersion = "1.1"

// AuthExpired is the legacy auth payload sent before the real error body.
const AuthExpired = "expired"

// UnknownChangeVersion is the cv payload sent when the cursor is not recognized.
const UnknownChangeVersion = "?"

// ParseMessage splits a channel message into command and payload.
func ParseMessage(raw string) (string, string, error) {
	cmd, payload, ok := strings.Cut(raw, ":")
	if !ok || cmd == "" {
		return "", "", fmt.Errorf("message %q has no command", truncate(raw, 40))
	}
	return cmd, payload, nil
}

// FormatMessage joins a command and payload.
func FormatMessage(cmd, payload string) string {
	return cmd + ":" + payload
}

// InitMessage is the handshake that starts a bucket channel.
type InitMessage struct {
	ClientID string `json:"clientid"`
	API      string `json:"api"`
	Token    string `json:"token"`
	AppID    string `json:"app_id"`
	Name     string `json:"name"`
	Library  string `json:"library"`
	Version  string `json:"version"`
	Cmd      string `json:"cmd,omitempty"`
}

// LogMessage carries a client log line to the remote.
type LogMessage struct {
	Log    string `json:"log"`
	Bucket string `json:"bucket"`
}

// AuthError is the JSON body of a failed auth response.
type AuthError struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
