package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/restore"
	"github.com/capitalize-ai/langgraph-chat/internal/session"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
)

// restoredView is the YAML shape printed by the restore command.
type restoredView struct {
	Conversation string               `yaml:"conversation"`
	Message      string               `yaml:"message,omitempty"`
	NextMode     session.Mode         `yaml:"next_mode"`
	Step         int                  `yaml:"step"`
	Question     string               `yaml:"question,omitempty"`
	Keywords     []keywordView        `yaml:"keywords,omitempty"`
	Documents    []string             `yaml:"documents,omitempty"`
	Results      []model.SearchResult `yaml:"results,omitempty"`
	Answer       string               `yaml:"answer,omitempty"`
	Image        string               `yaml:"image,omitempty"`
}

type keywordView struct {
	Text     string `yaml:"text"`
	Category string `yaml:"category"`
}

func newRestoreCmd(a *app) *cobra.Command {
	var withResults bool
	cmd := &cobra.Command{
		Use:   "restore <conversation-id>",
		Short: "Print the saved pipeline state of a conversation as YAML",
		Long: `Rebuild the search pipeline view of a conversation from its saved
messages: the question, augmented keywords, documents found and the answer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			convID, err := a.loadConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			conv, err := a.store.Conversation(convID)
			if err != nil {
				return err
			}
			res := restore.New(a.guard, a.log).Restore(conv)
			return writeRestored(cmd.OutOrStdout(), convID, res, withResults)
		},
	}
	cmd.Flags().BoolVar(&withResults, "results", false, "Include the raw search results")
	return cmd
}

func writeRestored(w io.Writer, convID string, res restore.Result, withResults bool) error {
	view := restoredView{
		Conversation: convID,
		Message:      res.MessageID,
		NextMode:     session.ModeFirst,
	}
	if res.HasExchange {
		view.NextMode = session.ModeFollowUp
	}
	if p := res.Progress; p != nil {
		view.Step = p.Step
		view.Question = p.OriginalInput
		view.Documents = p.DocumentTitles
		view.Answer = p.Answer()
		view.Image = p.AnalysisImageURL
		view.Keywords = keywordViews(p)
		if withResults {
			view.Results = p.SearchResults
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("failed to write yaml: %w", err)
	}
	return enc.Close()
}

func keywordViews(p *stage.Progress) []keywordView {
	out := make([]keywordView, 0, len(p.Keywords))
	for _, k := range p.Keywords {
		out = append(out, keywordView{Text: k.Text, Category: k.Category})
	}
	return out
}
