// Package ingestion loads documents from URLs or local files and hands their
// text to the retrieval pipeline, one document at a time. A failing document
// is reported and skipped; the remaining documents are still ingested.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/kbai-go/internal/rag"
)

// Source describes one document to ingest.
type Source struct {
	// Location is an http(s) URL or a local file path.
	Location string

	// Text is used verbatim instead of loading Location when non-empty.
	Text string

	// DocumentID overrides the id inferred from Location.
	DocumentID string

	// FileName overrides the name inferred from Location.
	FileName string

	// SourceURL overrides the URL inferred from Location.
	SourceURL string

	// Metadata holds extra key-values attached to every chunk.
	Metadata rag.Metadata
}

// Ingester stores one document's text in a knowledge base.
type Ingester interface {
	Ingest(ctx context.Context, collectionID, text string, metadata rag.Metadata) (int, error)
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// HTTPTimeout is the timeout for each URL fetch. Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string

	// MaxBytes caps the size of a loaded document. Defaults to 10 MiB if zero.
	MaxBytes int64
}

// Report summarizes one Ingest call.
type Report struct {
	// Documents is the number of documents stored successfully.
	Documents int
	// Chunks is the total number of chunks stored.
	Chunks int
	// Failed lists the locations (or document ids) that failed.
	Failed []string
}

// Pipeline orchestrates the load → ingest flow for a set of sources.
type Pipeline struct {
	// ingester chunks, embeds and stores document text.
	ingester Ingester

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// httpClient is the HTTP client used for fetching URLs.
	httpClient *http.Client
}

// NewPipeline constructs a Pipeline from the provided ingester and config.
func NewPipeline(ingester Ingester, cfg *Config) (*Pipeline, error) {
	if ingester == nil {
		return nil, fmt.Errorf("ingestion: ingester must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "kbai (knowledge base ingestion)"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	return &Pipeline{
		ingester:   ingester,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

// Ingest loads and stores every source in collectionID, in order. A failed
// document does not stop the others; the returned error joins every
// per-document failure. Progress is reported via the optional callback.
func (p *Pipeline) Ingest(ctx context.Context, collectionID string, sources []Source, progress func(msg string)) (Report, error) {
	if progress == nil {
		progress = func(string) {}
	}

	var (
		rep  Report
		errs []error
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := src.Location
		if name == "" {
			name = src.DocumentID
		}

		meta := metadataFor(src)
		text := src.Text
		if text == "" {
			progress(fmt.Sprintf("loading %s", name))
			loaded, err := p.load(ctx, src.Location)
			if err != nil {
				rep.Failed = append(rep.Failed, name)
				errs = append(errs, &rag.IngestionError{CollectionID: collectionID, DocumentID: meta.DocumentID(), Err: err})
				progress(fmt.Sprintf("failed %s: %v", name, err))
				continue
			}
			text = loaded
		}

		n, err := p.ingester.Ingest(ctx, collectionID, text, meta)
		if err != nil {
			rep.Failed = append(rep.Failed, name)
			errs = append(errs, err)
			progress(fmt.Sprintf("failed %s: %v", name, err))
			continue
		}
		rep.Documents++
		rep.Chunks += n
		progress(fmt.Sprintf("ingested %d chunks from %s (document %s)", n, name, meta.DocumentID()))
	}
	return rep, errors.Join(errs...)
}

// metadataFor merges inferred provenance with the caller's overrides.
func metadataFor(src Source) rag.Metadata {
	d := Describe(src.Location)
	meta := src.Metadata.Clone()
	set := func(key, explicit, inferred string) {
		if v := firstNonEmpty(explicit, inferred); v != "" {
			meta[key] = v
		}
	}
	set(rag.MetaDocumentID, src.DocumentID, d.DocumentID)
	if meta.DocumentID() == "" && src.Text != "" {
		// Inline text keyed on its content so it can still be deleted.
		meta[rag.MetaDocumentID] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(src.Text)).String()
	}
	set(rag.MetaFileName, src.FileName, d.FileName)
	set(rag.MetaSourceURL, src.SourceURL, d.SourceURL)
	if _, ok := meta["docType"]; !ok && src.Location != "" {
		meta["docType"] = d.DocType
	}
	return meta
}

// IsURL reports whether location is fetched over http(s) rather than read
// from disk.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// load reads a local file or fetches a URL.
func (p *Pipeline) load(ctx context.Context, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("no location or text given")
	}
	if IsURL(location) {
		return p.fetch(ctx, location)
	}
	f, err := os.Open(location)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	return readCapped(f, p.cfg.MaxBytes)
}

// fetch retrieves the raw text content of a URL.
func (p *Pipeline) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown, text/html")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	return readCapped(resp.Body, p.cfg.MaxBytes)
}

// readCapped reads r fully, failing when it exceeds limit bytes.
func readCapped(r io.Reader, limit int64) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return "", fmt.Errorf("document exceeds %d bytes", limit)
	}
	return string(body), nil
}

// firstNonEmpty returns the first argument that is not "".
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
