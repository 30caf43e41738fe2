package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/server"
	"github.com/54b3r/kbai-go/internal/tracing"
)

// NewServeCmd constructs the `kbai serve` command, which starts the HTTP API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbai HTTP API",
		Long: `Start the kbai HTTP API.

Endpoints:
  POST   /api/query                       answer a question
  POST   /api/route                       pick the best knowledge base
  POST   /api/ingest                      ingest documents
  DELETE /api/kb/{id}                     delete a knowledge base
  DELETE /api/kb/{id}/documents/{docID}   delete one document
  GET    /api/kb/{id}/documents           list ingested documents
  GET    /api/config, PUT /api/config     generation config record
  GET    /api/health, /api/ready, /metrics

Set KBAI_API_KEY to require a Bearer token on /api/* (probes stay open).

Examples:
  kbai serve
  kbai serve --port 9090
  VECTOR_BACKEND=pgvector PGVECTOR_DSN=postgres://... kbai serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			flush := tracing.Enable(log)
			defer flush()

			a, err := buildApp(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			if !cmd.Flags().Changed("host") && a.rt.Server.Host != "" {
				host = a.rt.Server.Host
			}
			if !cmd.Flags().Changed("port") && a.rt.Server.Port != 0 {
				port = a.rt.Server.Port
			}
			if a.rt.Server.APIKey == "" {
				log.Warn("KBAI_API_KEY not set, API authentication disabled")
			}

			srv, err := server.New(a.orch, &server.Config{
				Host:            host,
				Port:            port,
				Logger:          log,
				Pingers:         a.pingers,
				APIKey:          a.rt.Server.APIKey,
				MetricsRegistry: a.registry,
				MetricsGatherer: a.registry,
				Configs:         a.configs,
				Documents:       a.db,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}
			log.Info("serve starting",
				slog.String("vector_backend", a.rt.VectorBackend),
				slog.Int("pingers", len(a.pingers)),
			)

			return srv.Start(ctx) //nolint:wrapcheck // already prefixed by server
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: KBAI_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env: KBAI_PORT)")

	return cmd
}
