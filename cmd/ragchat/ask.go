package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/session"
	"github.com/capitalize-ai/langgraph-chat/internal/store"
)

func newAskCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "ask <conversation-id|new> <question...>",
		Short: "Ask a question and stream the answer",
		Long: `Ask a question in a conversation and stream the answer.

The first question of a conversation runs the search pipeline and prints each
stage as it completes. Later questions are answered as follow-ups. Press
Ctrl-C to stop the answer.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m session.Mode
			switch mode {
			case "", "auto":
			case string(session.ModeFirst), string(session.ModeFollowUp):
				m = session.Mode(mode)
			default:
				return fmt.Errorf("invalid mode %q (want auto, first or followup)", mode)
			}
			if err := a.requireLogin(); err != nil {
				return err
			}
			convID, err := a.loadConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.ask(cmd, convID, strings.Join(args[1:], " "), m)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "auto", "Pipeline to use: auto, first or followup")
	return cmd
}

func (a *app) ask(cmd *cobra.Command, convID, question string, mode session.Mode) error {
	ctx := cmd.Context()
	out := newRenderer(cmd.OutOrStdout())

	a.store.Subscribe(func(c store.Change) {
		if c.Kind == store.TypingChanged && c.ConversationID == convID {
			out.typing(a.store.Typing(convID))
		}
	})

	manager := session.NewManager(session.Config{
		Backend:   a.client,
		Store:     a.store,
		Guard:     a.guard,
		Publisher: a.publisher,
		Logger:    a.log,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			a.log.Warn("sessions did not stop in time", zap.Error(err))
		}
	}()

	s, err := manager.Start(ctx, session.Request{
		ConversationID: convID,
		Text:           question,
		Mode:           mode,
		OnEvent:        out.event,
	})
	if err != nil {
		return err
	}
	if s.Mode == session.ModeFirst {
		out.detail("conversation %s · searching documents", convID)
	} else {
		out.detail("conversation %s · follow-up", convID)
	}

	interrupt, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		select {
		case <-interrupt.Done():
			manager.Cancel(convID)
		case <-s.Done():
		}
	}()

	err = s.Wait()
	msg, merr := a.store.Message(s.MessageID())
	if merr == nil && !s.Aborted() {
		out.answer(msg.Ans)
		if msg.Image != "" {
			out.detail("chart: %s", msg.Image)
		}
	}

	switch {
	case s.Aborted():
		if errors.Is(err, session.ErrCanceled) {
			out.notice("Stopped.")
			return nil
		}
		return err
	case s.State() == model.SessionErrored:
		return fmt.Errorf("question failed: %w", err)
	}
	out.detail("message %s · rate it with: ragchat feedback %s %s up|down", s.MessageID(), convID, s.MessageID())
	return nil
}
