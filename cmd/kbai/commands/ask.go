package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/prompt"
	"github.com/54b3r/kbai-go/internal/retrieval"
	"github.com/54b3r/kbai-go/internal/sources"
	"github.com/54b3r/kbai-go/internal/tracing"
)

// answerer is the part of the orchestrator `kbai ask` drives.
type answerer interface {
	Query(ctx context.Context, req retrieval.QueryRequest) (*retrieval.Answer, error)
	QueryAcrossKnowledgeBases(ctx context.Context, req retrieval.MultiQueryRequest) (*retrieval.Answer, error)
	QueryGlobal(ctx context.Context, req retrieval.GlobalRequest) (*retrieval.Answer, error)
	PickBestKnowledgeBase(ctx context.Context, collectionIDs []string, question string) (string, bool, error)
}

// askOptions are the flags of `kbai ask`.
type askOptions struct {
	// kbs are the knowledge bases in scope; none asks the global tier.
	kbs []string
	// pickBest routes to the single most relevant knowledge base.
	pickBest bool
	// instructions are custom instructions for the answer.
	instructions string
	// historyFile is a JSON array of {role, content} turns.
	historyFile string
	// asJSON prints the full answer record instead of the text.
	asJSON bool
}

// askResult is the JSON printed by `kbai ask --json`.
type askResult struct {
	// Answer is the Markdown answer text.
	Answer string `json:"answer"`
	// Tier is the tier that produced the answer.
	Tier retrieval.Tier `json:"tier"`
	// Sources are the cited documents.
	Sources []sources.Source `json:"sources"`
	// Flattened is true when the flattened retry produced the answer.
	Flattened bool `json:"flattened,omitempty"`
	// RoutedTo is the knowledge base chosen by --pick-best.
	RoutedTo string `json:"routedTo,omitempty"`
}

// NewAskCmd constructs the `kbai ask` command, which answers a single
// question and prints the answer to stdout.
func NewAskCmd() *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question of one or more knowledge bases",
		Long: `Ask a natural language question.

With one --kb the answer is grounded in that knowledge base. With several,
results are merged across them, or with --pick-best the question is routed
to the single most relevant one. With no --kb, or when nothing relevant is
found, the answer comes from the model's general knowledge (with web search
when WEB_SEARCH_API_KEY is set and KBAI_OFFLINE is not).

Examples:
  kbai ask --kb handbook "how many vacation days do I get?"
  kbai ask --kb handbook --kb benefits "what does the dental plan cover?"
  kbai ask --kb handbook --kb benefits --pick-best "who approves expenses?"
  kbai ask "what is retrieval-augmented generation?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			flush := tracing.Enable(log)
			defer flush()

			history, err := readHistory(opts.historyFile)
			if err != nil {
				return err
			}

			a, err := buildApp(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer a.Close()

			res, err := ask(ctx, a.orch, joinArgs(args), opts, history)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			log.Debug("answered", slog.String("tier", string(res.Tier)), slog.Int("sources", len(res.Sources)))
			return printAnswer(cmd.OutOrStdout(), res, opts.asJSON)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.kbs, "kb", "k", nil, "Knowledge base id to search (repeatable)")
	cmd.Flags().BoolVar(&opts.pickBest, "pick-best", false, "Route to the most relevant of several --kb instead of merging")
	cmd.Flags().StringVarP(&opts.instructions, "instructions", "i", "", "Custom instructions for the answer")
	cmd.Flags().StringVar(&opts.historyFile, "history", "", "JSON file of prior turns: [{\"role\":\"user\",\"content\":\"...\"}]")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the answer, tier and sources as JSON")

	return cmd
}

// ask picks the tier from the number of knowledge bases and runs the query.
func ask(ctx context.Context, svc answerer, question string, opts askOptions, history []prompt.HistoryItem) (askResult, error) {
	var (
		ans    *retrieval.Answer
		routed string
		err    error
	)
	kbs := opts.kbs
	if opts.pickBest && len(kbs) > 1 {
		id, ok, pickErr := svc.PickBestKnowledgeBase(ctx, kbs, question)
		if pickErr != nil {
			return askResult{}, pickErr //nolint:wrapcheck // wrapped by the caller
		}
		kbs = nil
		if ok {
			kbs = []string{id}
			routed = id
		}
	}

	switch len(kbs) {
	case 0:
		ans, err = svc.QueryGlobal(ctx, retrieval.GlobalRequest{
			Question: question, Instructions: opts.instructions, History: history,
		})
	case 1:
		ans, err = svc.Query(ctx, retrieval.QueryRequest{
			CollectionID: kbs[0], Question: question, Instructions: opts.instructions, History: history,
		})
	default:
		ans, err = svc.QueryAcrossKnowledgeBases(ctx, retrieval.MultiQueryRequest{
			CollectionIDs: kbs, Question: question, Instructions: opts.instructions, History: history,
		})
	}
	if err != nil {
		return askResult{}, err //nolint:wrapcheck // wrapped by the caller
	}
	return askResult{
		Answer:    ans.Text,
		Tier:      ans.Tier,
		Sources:   ans.Sources,
		Flattened: ans.Flattened,
		RoutedTo:  routed,
	}, nil
}

// printAnswer writes the answer text, or the whole record as JSON.
func printAnswer(w io.Writer, res askResult, asJSON bool) error {
	if asJSON {
		if res.Sources == nil {
			res.Sources = []sources.Source{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res) //nolint:wrapcheck // CLI output
	}
	if res.RoutedTo != "" {
		if _, err := fmt.Fprintf(w, "[routed to %s]\n\n", res.RoutedTo); err != nil {
			return err //nolint:wrapcheck // CLI output
		}
	}
	_, err := fmt.Fprintln(w, res.Answer)
	return err //nolint:wrapcheck // CLI output
}

// readHistory loads prior turns from path; an empty path means no history.
func readHistory(path string) ([]prompt.HistoryItem, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ask: read history: %w", err)
	}
	var items []prompt.HistoryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("ask: parse history %s: %w", path, err)
	}
	return items, nil
}
