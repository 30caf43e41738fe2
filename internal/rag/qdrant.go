package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant payload fields. collection_id and document_id carry keyword indexes
// so scoped search and deletes never scan the whole Qdrant collection.
const (
	payloadCollectionID = "collection_id"
	payloadDocumentID   = "document_id"
	payloadContent      = "content"
	payloadMetadata     = "metadata"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection holding every knowledge base's
	// chunks (default: kbai_chunks). Knowledge bases are partitioned by the
	// collection_id payload field.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig

	// embedder fills in missing chunk embeddings on Insert. May be nil.
	embedder Embedder

	// schema guards collection and payload index creation.
	schema schemaOnce
}

// NewQdrantStore creates a QdrantStore. The gRPC connection is lazy; the
// collection and its payload indexes are created on first use.
func NewQdrantStore(cfg *QdrantConfig, embedder Embedder) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "kbai_chunks"
	}
	if cfg.VectorSize == 0 {
		cfg.VectorSize = DefaultDimensions
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, unavailable("qdrant: create client", err)
	}

	return &QdrantStore{client: client, cfg: cfg, embedder: embedder}, nil
}

// EnsureSchema creates the Qdrant collection and keyword payload indexes if
// they do not already exist.
func (s *QdrantStore) EnsureSchema(ctx context.Context) error {
	return s.schema.Do(ctx, s.ensureCollection)
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return unavailable("qdrant: check collection existence", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.cfg.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return unavailable(fmt.Sprintf("qdrant: create collection %q", s.cfg.Collection), err)
		}
	}

	for _, field := range []string{payloadCollectionID, payloadDocumentID} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			FieldName:      field,
			FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return unavailable(fmt.Sprintf("qdrant: create %s index", field), err)
		}
	}
	return nil
}

// Insert embeds chunks that need it and upserts them as new points.
func (s *QdrantStore) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	batch := make([]Chunk, len(chunks))
	copy(batch, chunks)
	if err := embedMissing(ctx, s.embedder, int(s.cfg.VectorSize), batch); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(batch))
	for _, c := range batch {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("qdrant: encode metadata: %w", err)
		}
		payload := map[string]any{
			payloadCollectionID: collectionID,
			payloadContent:      c.Content,
			payloadMetadata:     string(meta),
		}
		if docID := c.Metadata.DocumentID(); docID != "" {
			payload[payloadDocumentID] = docID
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Payload: qdrant.NewValueMap(payload),
			Vectors: qdrant.NewVectors(c.Embedding...),
		})
	}

	for _, b := range batches(len(points), MaxBatch) {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Points:         points[b[0]:b[1]],
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return unavailable("qdrant: upsert", err)
		}
	}
	return nil
}

// Search performs a cosine similarity search restricted to collectionID.
func (s *QdrantStore) Search(ctx context.Context, collectionID string, query []float32, k int) ([]RetrievalResult, error) {
	if err := checkDims(int(s.cfg.VectorSize), query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         collectionFilter(collectionID),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, unavailable("qdrant: search", err)
	}

	results := make([]RetrievalResult, 0, len(points))
	for _, p := range points {
		c := Chunk{
			ID:           p.GetId().GetUuid(),
			CollectionID: collectionID,
			Metadata:     Metadata{},
		}
		if payload := p.GetPayload(); payload != nil {
			if v, ok := payload[payloadContent]; ok {
				c.Content = v.GetStringValue()
			}
			if v, ok := payload[payloadMetadata]; ok {
				if err := json.Unmarshal([]byte(v.GetStringValue()), &c.Metadata); err != nil {
					return nil, fmt.Errorf("qdrant: decode metadata of point %s: %w", c.ID, err)
				}
			}
		}
		results = append(results, RetrievalResult{Chunk: c, Score: float64(p.GetScore())})
	}
	return results, nil
}

// DeleteCollection removes every point tagged with collectionID.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collectionID string) error {
	return s.deleteWhere(ctx, collectionFilter(collectionID))
}

// DeleteDocument removes the points of collectionID tagged with documentID.
func (s *QdrantStore) DeleteDocument(ctx context.Context, collectionID, documentID string) error {
	f := collectionFilter(collectionID)
	f.Must = append(f.Must, qdrant.NewMatch(payloadDocumentID, documentID))
	return s.deleteWhere(ctx, f)
}

// deleteWhere removes all points matching filter and waits for the write.
func (s *QdrantStore) deleteWhere(ctx context.Context, filter *qdrant.Filter) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return unavailable("qdrant: delete", err)
	}
	return nil
}

// Ping checks that the Qdrant server answers its health endpoint.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return unavailable("qdrant: health check", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close() //nolint:wrapcheck // passthrough
}

// collectionFilter matches points whose collection_id equals id.
func collectionFilter(id string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadCollectionID, id)},
	}
}
