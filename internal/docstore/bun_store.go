package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/spiral-run/spiral/internal/domain"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// DocumentModel is the bun row for one cached document, grounded on the
// teacher's BunStore models (internal/infrastructure/storage/bun_store.go):
// the document body is stored as a jsonb blob rather than normalized
// columns, since a SPIRAL document's node graph has no fixed shape to
// normalize against.
type DocumentModel struct {
	bun.BaseModel `bun:"table:spiral_documents,alias:d"`

	URI       string         `bun:"uri,pk"`
	Body      map[string]any `bun:"body,type:jsonb"`
	CachedAt  time.Time      `bun:"cached_at"`
}

// BunStore is a Postgres-backed Store for long-lived $ref document caches
// shared across evaluation runs, grounded on the teacher's BunStore.
type BunStore struct {
	db *bun.DB
}

// NewBunStore opens a Postgres connection pool for dsn using pgdriver,
// the same construction the teacher's NewBunStore uses.
func NewBunStore(dsn string) *BunStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &BunStore{db: db}
}

// InitSchema creates the spiral_documents table if it doesn't exist.
func (s *BunStore) InitSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*DocumentModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func (s *BunStore) Get(ctx context.Context, uri string) (*domain.Document, error) {
	model := new(DocumentModel)
	if err := s.db.NewSelect().Model(model).Where("uri = ?", uri).Scan(ctx); err != nil {
		return nil, domain.NewFault(domain.ErrValidationError, "docstore: no cached document for "+uri, err)
	}
	raw, err := json.Marshal(model.Body)
	if err != nil {
		return nil, domain.NewFault(domain.ErrValidationError, "docstore: malformed cached document for "+uri, err)
	}
	doc := new(domain.Document)
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, domain.NewFault(domain.ErrValidationError, "docstore: malformed cached document for "+uri, err)
	}
	return doc, nil
}

func (s *BunStore) Put(ctx context.Context, uri string, doc *domain.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.NewFault(domain.ErrValidationError, "docstore: cannot serialize document for "+uri, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.NewFault(domain.ErrValidationError, "docstore: cannot serialize document for "+uri, err)
	}
	model := &DocumentModel{URI: uri, Body: body, CachedAt: time.Now()}
	_, err = s.db.NewInsert().Model(model).On("CONFLICT (uri) DO UPDATE").Exec(ctx)
	return err
}

// Ping checks the database connection is reachable.
func (s *BunStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying connection pool.
func (s *BunStore) Close() error { return s.db.Close() }
