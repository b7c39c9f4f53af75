package session

import (
	"regexp"
	"strings"
)

// Lifecycle statuses set by the manager. Provider statuses are stored as
// reported.
const (
	StatusDisconnected = "DISCONNECTED"
	StatusStarting     = "STARTING"
	StatusQR           = "QR"
)

// DefaultSession is used when no session name is given.
const DefaultSession = "default"

const maxSessionName = 64

var connectedStatuses = map[string]struct{}{
	"islogged":      {},
	"inchat":        {},
	"qrreadsuccess": {},
	"connected":     {},
	"logged":        {},
	"online":        {},
	"main":          {},
	"normal":        {},
}

// IsConnected reports whether a status string means the session is logged
// in. Unknown strings are not connected.
func IsConnected(status string) bool {
	_, ok := connectedStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NormalizeSession maps arbitrary input to a safe session name.
func NormalizeSession(name string) string {
	name = invalidNameChars.ReplaceAllString(strings.TrimSpace(name), "")
	if len(name) > maxSessionName {
		name = name[:maxSessionName]
	}
	if name == "" || name == "." || name == ".." {
		return DefaultSession
	}
	return name
}

// ValidSession reports whether name is already in normalized form.
func ValidSession(name string) bool {
	return name != "" && NormalizeSession(name) == name
}

var qrPrefix = regexp.MustCompile(`(?i)^data:image/png;base64,?`)

// NormalizeQR strips the data URL prefix and whitespace from a QR image.
func NormalizeQR(image string) string {
	image = qrPrefix.ReplaceAllString(strings.TrimSpace(image), "")
	return strings.Join(strings.Fields(image), "")
}
