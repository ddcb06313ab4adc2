package agent

import (
	"regexp"
	"strings"
)

const maxCauseChars = 120

// secretish matches anything that looks like a credential.
var secretish = regexp.MustCompile(`(?i)(sk-[a-z0-9_-]{8,}|bearer\s+\S+|xox[a-z]-\S+|api[_-]?key[=:]\s*\S+)`)

// SanitizeCause turns an internal error into a short single-line
// explanation safe to show the user: first line only, credentials
// redacted, hard length cap.
func SanitizeCause(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = secretish.ReplaceAllString(msg, "[redacted]")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxCauseChars {
		msg = msg[:maxCauseChars]
	}
	return msg
}
