package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

// newConversationID asks commands to create a conversation instead of
// loading one.
const newConversationID = "new"

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "ls"},
		Short:   "List conversations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			convs, err := a.client.ListConversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list conversations: %w", err)
			}
			a.store.SetConversations(convs)
			printConversations(cmd.OutOrStdout(), a.store.Conversations())
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Start an empty conversation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.requireLogin(); err != nil {
					return err
				}
				conv, err := a.client.CreateConversation(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to create conversation: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rename <conversation-id> <title>",
			Short: "Rename a conversation",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.requireLogin(); err != nil {
					return err
				}
				title := strings.Join(args[1:], " ")
				if err := a.client.UpdateConversationTitle(cmd.Context(), args[0], title); err != nil {
					return fmt.Errorf("failed to rename conversation: %w", err)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <conversation-id>",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.requireLogin(); err != nil {
					return err
				}
				if err := a.client.DeleteConversation(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("failed to delete conversation: %w", err)
				}
				a.store.RemoveConversation(args[0])
				return nil
			},
		},
	)
	return cmd
}

func printConversations(w io.Writer, convs []model.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTITLE")
	for _, c := range convs {
		created := "-"
		if !c.CreatedAt.IsZero() {
			created = c.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, created, c.Title)
	}
	_ = tw.Flush()
}

// loadConversation puts a conversation and its messages into the store and
// makes it current. newConversationID creates one on the backend first.
func (a *app) loadConversation(ctx context.Context, id string) (string, error) {
	if id == newConversationID {
		conv, err := a.client.CreateConversation(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to create conversation: %w", err)
		}
		a.store.CreateConversation(conv)
		return conv.ID, nil
	}

	convs, err := a.client.ListConversations(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list conversations: %w", err)
	}
	a.store.SetConversations(convs)
	if err := a.store.SetCurrent(id); err != nil {
		return "", fmt.Errorf("conversation %s: %w", id, err)
	}

	msgs, err := a.client.ListMessages(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load messages: %w", err)
	}
	if err := a.store.SetMessages(id, msgs); err != nil {
		return "", err
	}
	return id, nil
}
