package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/ingestion"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/version"
)

// ingestOptions are the flags of `kbai ingest`.
type ingestOptions struct {
	// kb is the target knowledge base.
	kb string
	// docID overrides the inferred document id.
	docID string
	// fileName overrides the inferred file name.
	fileName string
	// sourceURL overrides the inferred source URL.
	sourceURL string
	// meta holds extra key=value metadata for every chunk.
	meta map[string]string
}

// NewIngestCmd constructs the `kbai ingest` command, which chunks, embeds
// and stores documents in a knowledge base.
func NewIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest --kb <id> <file|url|->...",
		Short: "Ingest documents into a knowledge base",
		Long: `Load text files, URLs or stdin ("-") and store them in a knowledge base.

Each document is split into overlapping chunks, embedded, and written to the
vector store tagged with the knowledge base id and document metadata. The
document id, file name and source URL are inferred from the location; the
override flags apply only when a single document is given.

A failing document is reported and skipped; the others are still stored.

Examples:
  kbai ingest --kb handbook ./handbook.md ./policies/*.txt
  kbai ingest --kb benefits https://example.com/benefits.txt
  cat notes.txt | kbai ingest --kb notes --file-name notes.txt -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			srcs, err := buildSources(args, opts, cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := buildApp(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.Close()

			pipeline, err := ingestion.NewPipeline(a.orch, &ingestion.Config{UserAgent: version.UserAgent()})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			log.Info("starting ingestion", slog.String("kb", opts.kb), slog.Int("sources", len(srcs)))
			report, err := pipeline.Ingest(ctx, opts.kb, srcs, func(msg string) {
				log.Info(msg)
			})
			log.Info("ingestion complete",
				slog.Int("documents", report.Documents),
				slog.Int("chunks", report.Chunks),
				slog.Int("failed", len(report.Failed)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d document(s), %d chunk(s) in %s\n", report.Documents, report.Chunks, opts.kb)
			if err != nil {
				return fmt.Errorf("ingest: %d of %d document(s) failed: %w", len(report.Failed), len(srcs), err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.kb, "kb", "k", "", "Knowledge base id (required)")
	cmd.Flags().StringVar(&opts.docID, "doc-id", "", "Document id (single document only)")
	cmd.Flags().StringVar(&opts.fileName, "file-name", "", "Display file name (single document only)")
	cmd.Flags().StringVar(&opts.sourceURL, "source-url", "", "Source URL cited in answers (single document only)")
	cmd.Flags().StringToStringVarP(&opts.meta, "meta", "m", nil, "Extra chunk metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("kb")

	return cmd
}

// buildSources turns positional arguments into ingestion sources. "-" reads
// the document text from stdin.
func buildSources(args []string, opts ingestOptions, stdin io.Reader) ([]ingestion.Source, error) {
	if opts.kb == "" {
		return nil, errors.New("ingest: --kb is required")
	}
	single := opts.docID != "" || opts.fileName != "" || opts.sourceURL != ""
	if single && len(args) > 1 {
		return nil, errors.New("ingest: --doc-id, --file-name and --source-url need exactly one document")
	}

	var meta rag.Metadata
	if len(opts.meta) > 0 {
		meta = make(rag.Metadata, len(opts.meta))
		for k, v := range opts.meta {
			meta[k] = v
		}
	}

	srcs := make([]ingestion.Source, 0, len(args))
	stdinUsed := false
	for _, arg := range args {
		src := ingestion.Source{
			Location:   arg,
			DocumentID: opts.docID,
			FileName:   opts.fileName,
			SourceURL:  opts.sourceURL,
			Metadata:   meta.Clone(),
		}
		if arg == "-" {
			if stdinUsed {
				return nil, errors.New("ingest: stdin (-) can be given only once")
			}
			stdinUsed = true
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("ingest: read stdin: %w", err)
			}
			src.Location = ""
			src.Text = string(data)
		} else if _, err := os.Stat(arg); err != nil && !ingestion.IsURL(arg) {
			return nil, fmt.Errorf("ingest: %s: not a readable file or http(s) URL", arg)
		}
		srcs = append(srcs, src)
	}
	return srcs, nil
}
