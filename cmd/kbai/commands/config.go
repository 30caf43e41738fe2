package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/54b3r/kbai-go/internal/config"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/store"
)

// configRecord reads and replaces a generation config row.
// *store.SQLiteStore satisfies it.
type configRecord interface {
	Get(ctx context.Context, key string) (provider.GenerationConfig, error)
	Put(ctx context.Context, key string, cfg provider.GenerationConfig) error
}

// NewConfigCmd constructs the `kbai config` command group, which shows and
// edits the generation config record (provider, model and sampling).
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the generation config record",
		Long: `The generation config record selects the answer model and its sampling
parameters. It lives in the SQLite database (KBAI_DB) so a running server
picks up changes within GENERATION_CONFIG_TTL without a restart.`,
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSetCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the generation config record as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openConfigDB()
			if err != nil {
				return err
			}
			defer db.Close()

			cfg, err := db.Get(cmd.Context(), key)
			if err != nil {
				return fmt.Errorf("config show: %w", err)
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&key, "key", store.DefaultKey, "Config record key")
	return cmd
}

// setFlags holds the `kbai config set` flag values.
type setFlags struct {
	// key selects the record row.
	key string
	// reset starts from provider.DefaultGenerationConfig.
	reset bool
	// The remaining fields mirror provider.GenerationConfig and apply only
	// when their flag was given.
	provider         string
	model            string
	temperature      float32
	maxTokens        int
	topP             float32
	topK             int32
	frequencyPenalty float32
	presencePenalty  float32
	stop             []string
}

func newConfigSetCmd() *cobra.Command {
	var f setFlags
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change fields of the generation config record",
		Long: `Change the given fields of the generation config record; fields whose
flags are not given keep their current value. --reset starts from the
built-in default instead of the stored record.

Examples:
  kbai config set --provider anthropic --model claude-sonnet-4-5
  kbai config set --temperature 0.2 --max-tokens 800
  kbai config set --reset`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openConfigDB()
			if err != nil {
				return err
			}
			defer db.Close()

			cfg, err := applyConfigSet(cmd.Context(), db, cmd.Flags(), f)
			if err != nil {
				return fmt.Errorf("config set: %w", err)
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.key, "key", store.DefaultKey, "Config record key")
	fl.BoolVar(&f.reset, "reset", false, "Start from the built-in default config")
	fl.StringVar(&f.provider, "provider", "", "Provider: openai, gemini, anthropic, ollama, ark")
	fl.StringVar(&f.model, "model", "", "Model name")
	fl.Float32Var(&f.temperature, "temperature", 0, "Sampling temperature")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "Maximum generated tokens")
	fl.Float32Var(&f.topP, "top-p", 0, "Nucleus sampling mass")
	fl.Int32Var(&f.topK, "top-k", 0, "Top-k sampling (gemini, anthropic)")
	fl.Float32Var(&f.frequencyPenalty, "frequency-penalty", 0, "Frequency penalty (openai, ark)")
	fl.Float32Var(&f.presencePenalty, "presence-penalty", 0, "Presence penalty (openai, ark)")
	fl.StringArrayVar(&f.stop, "stop", nil, "Stop sequence (repeatable)")
	return cmd
}

// applyConfigSet overlays the changed flags on the current (or default)
// record and stores the result.
func applyConfigSet(ctx context.Context, rec configRecord, fl *pflag.FlagSet, f setFlags) (provider.GenerationConfig, error) {
	cfg := provider.DefaultGenerationConfig()
	if !f.reset {
		var err error
		if cfg, err = rec.Get(ctx, f.key); err != nil {
			return provider.GenerationConfig{}, err //nolint:wrapcheck // wrapped by the caller
		}
	}

	if fl.Changed("provider") {
		p, err := provider.ParseProvider(f.provider)
		if err != nil {
			return provider.GenerationConfig{}, err //nolint:wrapcheck // already prefixed by provider
		}
		cfg.Provider = p
	}
	if fl.Changed("model") {
		cfg.Model = f.model
	}
	if fl.Changed("temperature") {
		cfg.Temperature = &f.temperature
	}
	if fl.Changed("max-tokens") {
		cfg.MaxTokens = &f.maxTokens
	}
	if fl.Changed("top-p") {
		cfg.TopP = &f.topP
	}
	if fl.Changed("top-k") {
		cfg.TopK = &f.topK
	}
	if fl.Changed("frequency-penalty") {
		cfg.FrequencyPenalty = &f.frequencyPenalty
	}
	if fl.Changed("presence-penalty") {
		cfg.PresencePenalty = &f.presencePenalty
	}
	if fl.Changed("stop") {
		cfg.StopSequences = f.stop
	}

	if err := rec.Put(ctx, f.key, cfg); err != nil {
		return provider.GenerationConfig{}, err //nolint:wrapcheck // wrapped by the caller
	}
	return cfg, nil
}

// openConfigDB opens only the SQLite store; config commands need no
// embedder or vector store.
func openConfigDB() (*store.SQLiteStore, error) {
	rt, err := config.RuntimeFromEnv()
	if err != nil {
		return nil, err //nolint:wrapcheck // already prefixed by config
	}
	return openDB(rt)
}

// printConfig writes cfg as indented JSON.
func printConfig(w io.Writer, cfg provider.GenerationConfig) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg) //nolint:wrapcheck // CLI output
}
