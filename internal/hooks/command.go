package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/teamsforge/internal/config"
)

// DefaultCommandTimeout bounds a shell hook that sets no timeout of its own.
const DefaultCommandTimeout = 10 * time.Second

// CommandHandler returns a Handler that runs command through sh -c with the
// JSON-encoded payload on stdin. A non-zero exit is reported as an error
// carrying the command's combined output.
func CommandHandler(command string, timeout time.Duration) Handler {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return func(ctx context.Context, p Payload) error {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(body)
		out, err := cmd.CombinedOutput()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("hook %q timed out after %s", command, timeout)
			}
			return fmt.Errorf("hook %q: %w: %s", command, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// RegisterConfig registers one command handler per configured hook entry and
// returns how many were registered.
func (m *Manager) RegisterConfig(cfg config.HooksConfig) int {
	byEvent := map[string][]config.HookEntry{
		EventActivityReceived: cfg.ActivityReceived,
		EventReplySending:     cfg.ReplySending,
		EventBotProvisioned:   cfg.BotProvisioned,
		EventGatewayStart:     cfg.GatewayStart,
		EventGatewayStop:      cfg.GatewayStop,
	}

	n := 0
	for _, event := range AllEvents {
		for i, entry := range byEvent[event] {
			if strings.TrimSpace(entry.Command) == "" {
				continue
			}
			timeout := time.Duration(entry.Timeout) * time.Millisecond
			m.On(event, fmt.Sprintf("config:%s:%d", event, i), CommandHandler(entry.Command, timeout))
			n++
		}
	}
	return n
}
