package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/client"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/protocol"
)

// connect registers this process with the hub under the resolved identity.
func connect(ctx context.Context) (*client.Client, *client.Registration, error) {
	c := client.New(client.ResolveSessionID(flagSession), client.OptionsFromConfig(cfg))
	reg, err := c.Connect(ctx)
	if err != nil {
		c.Disconnect()
		return nil, nil, err
	}
	return c, reg, nil
}

// recipients merges --to values with @mentions found in the text. Explicit
// recipients come first and duplicates are dropped.
func recipients(explicit []string, text string) (string, []string) {
	body, mentions := client.ParseMentions(text)
	var to []string
	for _, name := range append(slices.Clone(explicit), mentions...) {
		name = strings.TrimSpace(name)
		if name == "" || name == protocol.BroadcastTarget || slices.Contains(to, name) {
			continue
		}
		to = append(to, name)
	}
	return body, to
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Send a message to other sessions",
		Long: `Send a message through the hub. Recipients come from --to and from
@name mentions in the text; with neither the message is broadcast to every
other registered session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetStringSlice("to")
			msgType, _ := cmd.Flags().GetString("type")
			body, targets := recipients(to, strings.Join(args, " "))

			c, _, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			result, err := c.Send(cmd.Context(), client.Outgoing{Type: msgType, Body: body, To: targets})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"session":   c.SessionID(),
				"confirmed": result.Confirmed,
				"id":        result.ID,
				"to":        result.To,
				"broadcast": result.Broadcast,
			})
		},
	}
	cmd.Flags().StringSliceP("to", "t", nil, "Recipient session ids (repeatable or comma separated)")
	cmd.Flags().String("type", protocol.DefaultType, "Application message type")
	return cmd
}

func recvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Wait for messages addressed to this session",
		Long: `Register with the hub and print the messages that arrive before the
timeout. Without --all the command returns after the first application
message. Presence notices are included with --all.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			all, _ := cmd.Flags().GetBool("all")

			c, reg, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			messages := collect(cmd.Context(), c, timeout, all)
			return printJSON(map[string]any{
				"session":  reg.SessionID,
				"online":   reg.Online,
				"messages": messages,
			})
		},
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "How long to wait")
	cmd.Flags().BoolP("all", "a", false, "Keep collecting until the timeout, including presence notices")
	return cmd
}

func collect(ctx context.Context, c *client.Client, timeout time.Duration, all bool) []protocol.Message {
	messages := make([]protocol.Message, 0)
	deadline := time.Now().Add(timeout)
	for ctx.Err() == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, ok := c.Receive(remaining)
		if !ok {
			break
		}
		if all {
			messages = append(messages, msg)
			continue
		}
		if msg.Kind() == protocol.KindApplication {
			messages = append(messages, msg)
			break
		}
	}
	return messages
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show this session's identity and who is online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, reg, err := connect(cmd.Context())
			if err != nil {
				return fmt.Errorf("session %s: %w", client.ResolveSessionID(flagSession), err)
			}
			defer c.Disconnect()
			return printJSON(map[string]any{
				"status": c.Status(),
				"online": reg.Online,
			})
		},
	}
}
