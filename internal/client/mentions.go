package client

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/config"
)

var (
	mentionPattern = regexp.MustCompile(`@([\w-]+)`)
	mentionStrip   = regexp.MustCompile(`@[\w-]+\s*`)
)

// ParseMentions extracts @name tokens as recipients and removes them from
// the text. "@bob @carol sync up" -> ("sync up", [bob carol]).
func ParseMentions(text string) (string, []string) {
	var mentions []string
	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if _, dup := seen[match[1]]; dup {
			continue
		}
		seen[match[1]] = struct{}{}
		mentions = append(mentions, match[1])
	}
	return strings.TrimSpace(mentionStrip.ReplaceAllString(text, "")), mentions
}

const fallbackSessionID = "session"

// ResolveSessionID picks the identity for this process: explicit value,
// then SESSIONHUB_ID, then the client.session_id config entry, then
// "<repo>-<branch>" of the current git checkout.
func ResolveSessionID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id := os.Getenv(config.EnvSessionID); id != "" {
		return id
	}
	if c, err := config.GetConfig(); err == nil && c.Client.SessionID != "" {
		return c.Client.SessionID
	}
	if id := gitSessionID(); id != "" {
		return id
	}
	return fallbackSessionID
}

func gitSessionID() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	top, err := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	branch, err := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	repo := filepath.Base(strings.TrimSpace(string(top)))
	name := strings.ReplaceAll(strings.TrimSpace(string(branch)), "/", "-")
	if repo == "" || name == "" {
		return ""
	}
	return repo + "-" + name
}
