package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/store"
)

func newFeedbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <conversation-id> <message-id> <up|down|none>",
		Short: "Rate an answer",
		Long: `Rate an answer up or down. Giving the rating the answer already has
clears it, as does "none".`,
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"up", "down", "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseFeedback(args[2])
			if err != nil {
				return err
			}
			if err := a.requireLogin(); err != nil {
				return err
			}
			convID, err := a.loadConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			svc := store.NewFeedbackService(a.store, a.client, a.session, a.log)
			got, err := svc.Submit(cmd.Context(), args[1], value)
			if err != nil {
				return err
			}
			if got == model.FeedbackNone {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared rating of message %s in conversation %s\n", args[1], convID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Rated message %s %s\n", args[1], got)
			}
			return nil
		},
	}
}

func parseFeedback(s string) (model.Feedback, error) {
	switch s {
	case "up":
		return model.FeedbackUp, nil
	case "down":
		return model.FeedbackDown, nil
	case "none", "clear":
		return model.FeedbackNone, nil
	}
	return model.FeedbackNone, fmt.Errorf("invalid rating %q (want up, down or none)", s)
}
