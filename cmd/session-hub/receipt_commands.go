package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/client"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/database"
)

var errJournalDisabled = errors.New("receipts need the MongoDB journal, set database.enabled in the configuration")

// openJournal connects to the shared journal. The in-process store lives only
// as long as a hub, so it cannot answer for a separate CLI invocation.
func openJournal(ctx context.Context) (database.Store, func(), error) {
	if !cfg.Database.Enabled {
		return nil, nil, errJournalDisabled
	}
	store, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}
	return store, closeFn, nil
}

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Acknowledge messages and inspect read receipts",
	}
	cmd.AddCommand(ackCmd(), receiptGetCmd(), unreadCmd())
	return cmd
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <msg-id>",
		Short: "Mark a message as read by this session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			result, err := store.Ack(cmd.Context(), database.NormalizeID(args[0]), client.ResolveSessionID(flagSession), time.Now())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func receiptGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <msg-id>",
		Short: "Show who has read a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			id := database.NormalizeID(args[0])
			receipt, err := store.Receipts(cmd.Context(), id)
			if errors.Is(err, database.ErrNotFound) {
				receipt = &database.Receipt{MsgID: id, ReadBy: []database.ReadEntry{}}
			} else if err != nil {
				return err
			}
			return printJSON(receipt)
		},
	}
}

func unreadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unread <msg-id> [session...]",
		Short: "List sessions that have not acknowledged a message",
		Long: `List the given sessions that have not acknowledged the message. With no
sessions the recipients recorded in the journal are checked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			id := database.NormalizeID(args[0])
			sessions := args[1:]
			if len(sessions) == 0 {
				record, err := store.GetMessage(cmd.Context(), id)
				if err != nil {
					return err
				}
				if len(record.To) == 0 {
					return errors.New("message was broadcast, name the sessions to check")
				}
				sessions = record.To
			}
			receipt, err := store.Receipts(cmd.Context(), id)
			if err != nil && !errors.Is(err, database.ErrNotFound) {
				return err
			}
			return printJSON(map[string]any{
				"msg_id": id,
				"unread": database.UnreadBy(receipt, sessions),
			})
		},
	}
}
