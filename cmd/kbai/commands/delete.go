package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/logging"
)

// deleter is the part of the orchestrator `kbai delete` drives.
type deleter interface {
	DeleteKnowledgeBase(ctx context.Context, collectionID string) error
	DeleteDocument(ctx context.Context, collectionID, documentID string) error
}

// NewDeleteCmd constructs the `kbai delete` command, which removes a whole
// knowledge base or one document from it.
func NewDeleteCmd() *cobra.Command {
	var kb, docID string

	cmd := &cobra.Command{
		Use:   "delete --kb <id> [--doc <id>]",
		Short: "Delete a knowledge base or one of its documents",
		Long: `Delete every chunk of a knowledge base, or only the chunks of one document
when --doc is given. Deleting something that does not exist succeeds.

Examples:
  kbai delete --kb handbook
  kbai delete --kb handbook --doc 0b9f6c1e-3c55-5d7a-9d1e-6f0c2b1a4e77`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(log)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer a.Close()

			msg, err := runDelete(ctx, a.orch, kb, docID)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kb, "kb", "k", "", "Knowledge base id (required)")
	cmd.Flags().StringVarP(&docID, "doc", "d", "", "Document id to delete instead of the whole knowledge base")
	_ = cmd.MarkFlagRequired("kb")

	return cmd
}

// runDelete removes a document when docID is set, else the knowledge base.
func runDelete(ctx context.Context, svc deleter, kb, docID string) (string, error) {
	if docID != "" {
		if err := svc.DeleteDocument(ctx, kb, docID); err != nil {
			return "", err //nolint:wrapcheck // wrapped by the caller
		}
		return fmt.Sprintf("deleted document %s from %s", docID, kb), nil
	}
	if err := svc.DeleteKnowledgeBase(ctx, kb); err != nil {
		return "", err //nolint:wrapcheck // wrapped by the caller
	}
	return fmt.Sprintf("deleted knowledge base %s", kb), nil
}
