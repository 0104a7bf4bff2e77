package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/db"
	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	pool       db.Pool
	closeFn    func()
	dimensions int
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns   int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns   int32 `yaml:"min_conns" mapstructure:"min_conns"`
	Dimensions int   `yaml:"dimensions" mapstructure:"dimensions"`
}

const defaultDimensions = 1024

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	dims := defaultDimensions
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.Dimensions > 0 {
			dims = poolCfg.Dimensions
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, dimensions: dims}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS catalogue_items (
	item_code     TEXT PRIMARY KEY,
	description   TEXT NOT NULL,
	unit          TEXT NOT NULL,
	trade         TEXT NOT NULL,
	book          TEXT NOT NULL DEFAULT '',
	section       TEXT NOT NULL DEFAULT '',
	rate          NUMERIC(14,4) NOT NULL DEFAULT 0,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	content_hash  TEXT NOT NULL,
	embedding     vector(%d),
	embedded_hash TEXT,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_catalogue_trade_unit ON catalogue_items(trade, unit);
CREATE INDEX IF NOT EXISTS idx_catalogue_embedding ON catalogue_items USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS line_items (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	transcript_id      TEXT NOT NULL,
	dedup_key          TEXT NOT NULL UNIQUE,
	observation        JSONB NOT NULL,
	refined            JSONB,
	status             TEXT NOT NULL,
	selected_item_code TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_line_items_project ON line_items(project_id);
CREATE INDEX IF NOT EXISTS idx_line_items_transcript ON line_items(transcript_id);
CREATE INDEX IF NOT EXISTS idx_line_items_status ON line_items(status);

CREATE TABLE IF NOT EXISTS matches (
	id            TEXT PRIMARY KEY,
	line_item_id  TEXT NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
	item_code     TEXT NOT NULL REFERENCES catalogue_items(item_code),
	rank          INTEGER NOT NULL,
	distance      DOUBLE PRECISION NOT NULL,
	similarity    DOUBLE PRECISION NOT NULL,
	unit_matches  BOOLEAN NOT NULL,
	trade_matches BOOLEAN NOT NULL,
	is_selected   BOOLEAN NOT NULL DEFAULT false,
	is_suggested  BOOLEAN NOT NULL DEFAULT false,
	selected_by   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (line_item_id, item_code)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_one_selected ON matches(line_item_id) WHERE is_selected;

CREATE TABLE IF NOT EXISTS audit_log (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	line_item_id TEXT NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
	event        TEXT NOT NULL,
	actor        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	digest       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_line_item ON audit_log(line_item_id, seq);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	line_item_id   TEXT PRIMARY KEY REFERENCES line_items(id) ON DELETE CASCADE,
	project_id     TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INT NOT NULL DEFAULT 0,
	max_retries    INT NOT NULL,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	dims := s.dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(postgresMigration, dims))
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// execer and rowQuerier are satisfied by both the pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Catalogue ---

var catalogueColumns = []string{
	"item_code", "description", "unit", "trade", "book", "section",
	"rate", "tags", "content_hash", "updated_at",
}

const catalogueSelect = `SELECT item_code, description, unit, trade, book, section, rate, tags, content_hash, updated_at FROM catalogue_items`

func (s *PostgresStore) UpsertCatalogueItems(ctx context.Context, items []model.CatalogueItem) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		hash := it.ContentHash
		if hash == "" {
			hash = it.ComputeContentHash()
		}
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		rows = append(rows, []any{
			it.ItemCode, it.Description, it.Unit, string(it.Trade), it.Book, it.Section,
			db.Numeric(it.Rate), tags, hash, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "catalogue_items",
		Columns:      catalogueColumns,
		ConflictKeys: []string{"item_code"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert catalogue")
	}
	return n, nil
}

func (s *PostgresStore) GetCatalogueItem(ctx context.Context, itemCode string) (*model.CatalogueItem, error) {
	it, err := scanCatalogueRow(s.pool.QueryRow(ctx, catalogueSelect+` WHERE item_code = $1`, itemCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "catalogue item %s", itemCode)
		}
		return nil, eris.Wrapf(err, "postgres: get catalogue item %s", itemCode)
	}
	return it, nil
}

func (s *PostgresStore) ListCatalogueItemsNeedingEmbedding(ctx context.Context, limit int) ([]model.CatalogueItem, error) {
	rows, err := s.pool.Query(ctx,
		catalogueSelect+` WHERE embedding IS NULL OR embedded_hash IS DISTINCT FROM content_hash ORDER BY item_code LIMIT $1`,
		defaultLimit(limit, 500),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale embeddings")
	}
	defer rows.Close()

	var items []model.CatalogueItem
	for rows.Next() {
		it, err := scanCatalogueRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalogue item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list stale embeddings iterate")
}

func (s *PostgresStore) SetCatalogueEmbedding(ctx context.Context, itemCode string, embedding []float32, contentHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE catalogue_items SET embedding = $1, embedded_hash = $2 WHERE item_code = $3`,
		pgvector.NewVector(embedding), contentHash, itemCode,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set embedding %s", itemCode)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "catalogue item %s", itemCode)
	}
	return nil
}

func (s *PostgresStore) SearchCatalogue(ctx context.Context, q CatalogueQuery) ([]CatalogueHit, error) {
	if len(q.Embedding) == 0 {
		return nil, eris.New("postgres: search catalogue: empty embedding")
	}

	query := `SELECT item_code, description, unit, trade, book, section, rate, tags, content_hash, updated_at,
		embedding <=> $1 AS distance
		FROM catalogue_items WHERE embedding IS NOT NULL`
	args := []any{pgvector.NewVector(q.Embedding)}
	argIdx := 2

	if q.Trade != "" {
		query += fmt.Sprintf(` AND trade = $%d`, argIdx)
		args = append(args, string(q.Trade))
		argIdx++
	}
	if len(q.Units) > 0 {
		query += fmt.Sprintf(` AND UPPER(unit) = ANY($%d)`, argIdx)
		args = append(args, upperAll(q.Units))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY distance, item_code LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(q.Limit, 10))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search catalogue")
	}
	defer rows.Close()

	var hits []CatalogueHit
	for rows.Next() {
		var hit CatalogueHit
		it, err := scanCatalogueRow(rows, &hit.Distance)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan search hit")
		}
		hit.Item = *it
		hits = append(hits, hit)
	}
	return hits, eris.Wrap(rows.Err(), "postgres: search catalogue iterate")
}

func (s *PostgresStore) CountCatalogueItems(ctx context.Context) (int, int, error) {
	var total, embedded int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM catalogue_items`,
	).Scan(&total, &embedded)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: count catalogue")
	}
	return total, embedded, nil
}

func scanCatalogueRow(row scannable, extra ...any) (*model.CatalogueItem, error) {
	var it model.CatalogueItem
	var trade string
	var rate pgtype.Numeric
	dest := append([]any{
		&it.ItemCode, &it.Description, &it.Unit, &trade, &it.Book, &it.Section,
		&rate, &it.Tags, &it.ContentHash, &it.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	it.Trade = model.Trade(trade)
	it.Rate = db.Decimal(rate)
	return &it, nil
}

// --- Line items ---

const lineItemSelect = `SELECT id, project_id, transcript_id, dedup_key, observation, refined, status, selected_item_code, created_at, updated_at FROM line_items`

func (s *PostgresStore) CreateLineItem(ctx context.Context, item *model.LineItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = model.StatusCreated
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	obsJSON, err := json.Marshal(item.Observation)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal observation")
	}
	refinedJSON, err := marshalRefined(item.Refined)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO line_items (id, project_id, transcript_id, dedup_key, observation, refined, status, selected_item_code, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (dedup_key) DO NOTHING`,
		item.ID, item.ProjectID, item.TranscriptID, item.DedupKey, obsJSON, refinedJSON,
		string(item.Status), item.SelectedItemCode, now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert line item")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	existing, err := scanLineItem(s.pool.QueryRow(ctx, lineItemSelect+` WHERE dedup_key = $1`, item.DedupKey))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: load duplicate line item %s", item.DedupKey)
	}
	*item = *existing
	return false, nil
}

func (s *PostgresStore) GetLineItem(ctx context.Context, id string) (*model.LineItem, error) {
	li, err := scanLineItem(s.pool.QueryRow(ctx, lineItemSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "line item %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get line item %s", id)
	}
	return li, nil
}

func (s *PostgresStore) ListLineItems(ctx context.Context, filter model.LineItemFilter) ([]model.LineItem, error) {
	query := lineItemSelect + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.TranscriptID != "" {
		query += fmt.Sprintf(` AND transcript_id = $%d`, argIdx)
		args = append(args, filter.TranscriptID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at, id`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 100))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list line items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan line item")
		}
		items = append(items, *li)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list line items iterate")
}

func (s *PostgresStore) UpdateLineItemStatus(ctx context.Context, id string, from, to model.Status) error {
	if err := model.CheckTransition(from, to); err != nil {
		return eris.Wrapf(err, "line item %s", id)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE line_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update line item status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, s.pool, id, from)
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to model.Status, entry *model.AuditEntry) error {
	if err := model.CheckTransition(from, to); err != nil {
		return eris.Wrapf(err, "line item %s", id)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: transition: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE line_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition line item %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, tx, id, from)
	}
	if entry != nil {
		if err := insertAuditPG(ctx, tx, entry); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: transition: commit tx")
}

// missingOrStale explains a zero-row conditional update.
func (s *PostgresStore) missingOrStale(ctx context.Context, q rowQuerier, id string, expected model.Status) error {
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM line_items WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "line item %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read line item status %s", id)
	}
	return eris.Wrapf(ErrStaleStatus, "line item %s: expected %s, found %s", id, expected, current)
}

func (s *PostgresStore) SaveRefinement(ctx context.Context, id string, refined model.RefinedObservation) error {
	refinedJSON, err := marshalRefined(&refined)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE line_items SET refined = $1, updated_at = $2 WHERE id = $3`,
		refinedJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save refinement %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "line item %s", id)
	}
	return nil
}

func (s *PostgresStore) CountLineItemsByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM line_items GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count line items")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count line items iterate")
}

func marshalRefined(r *model.RefinedObservation) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal refined observation")
	}
	return b, nil
}

func scanLineItem(row scannable) (*model.LineItem, error) {
	var li model.LineItem
	var obsJSON, refinedJSON []byte
	var status string
	if err := row.Scan(&li.ID, &li.ProjectID, &li.TranscriptID, &li.DedupKey, &obsJSON, &refinedJSON,
		&status, &li.SelectedItemCode, &li.CreatedAt, &li.UpdatedAt); err != nil {
		return nil, err
	}
	li.Status = model.Status(status)
	if err := json.Unmarshal(obsJSON, &li.Observation); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal observation")
	}
	if len(refinedJSON) > 0 {
		li.Refined = &model.RefinedObservation{}
		if err := json.Unmarshal(refinedJSON, li.Refined); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal refined observation")
		}
	}
	return &li, nil
}

// --- Matches ---

var matchColumns = []string{
	"id", "line_item_id", "item_code", "rank", "distance", "similarity",
	"unit_matches", "trade_matches", "is_selected", "is_suggested", "selected_by", "created_at",
}

func (s *PostgresStore) ReplaceCandidates(ctx context.Context, lineItemID string, candidates []model.Candidate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace candidates: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM matches WHERE line_item_id = $1`, lineItemID); err != nil {
		return eris.Wrapf(err, "postgres: clear candidates %s", lineItemID)
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.LineItemID = lineItemID
		c.CreatedAt = now
		rows = append(rows, []any{
			c.ID, lineItemID, c.Item.ItemCode, c.Rank, c.Distance, c.SimilarityScore,
			c.UnitMatches, c.TradeMatches, c.IsSelected, c.IsSuggested, c.SelectedBy, now,
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "matches", matchColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: insert candidates %s", lineItemID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace candidates: commit tx")
}

func (s *PostgresStore) ListCandidates(ctx context.Context, lineItemID string) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.line_item_id, m.rank, m.distance, m.similarity, m.unit_matches, m.trade_matches,
		        m.is_selected, m.is_suggested, m.selected_by, m.created_at,
		        c.item_code, c.description, c.unit, c.trade, c.book, c.section, c.rate, c.tags, c.content_hash, c.updated_at
		 FROM matches m JOIN catalogue_items c ON c.item_code = m.item_code
		 WHERE m.line_item_id = $1 ORDER BY m.rank, c.item_code`,
		lineItemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidates %s", lineItemID)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var trade string
		var rate pgtype.Numeric
		if err := rows.Scan(&c.ID, &c.LineItemID, &c.Rank, &c.Distance, &c.SimilarityScore,
			&c.UnitMatches, &c.TradeMatches, &c.IsSelected, &c.IsSuggested, &c.SelectedBy, &c.CreatedAt,
			&c.Item.ItemCode, &c.Item.Description, &c.Item.Unit, &trade, &c.Item.Book, &c.Item.Section,
			&rate, &c.Item.Tags, &c.Item.ContentHash, &c.Item.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		c.Item.Trade = model.Trade(trade)
		c.Item.Rate = db.Decimal(rate)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) CommitSelection(ctx context.Context, sel Selection) error {
	if err := model.CheckTransition(sel.From, sel.To); err != nil {
		return eris.Wrapf(err, "line item %s", sel.LineItemID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: commit selection: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var itemCode string
	err = tx.QueryRow(ctx,
		`SELECT item_code FROM matches WHERE id = $1 AND line_item_id = $2`,
		sel.CandidateID, sel.LineItemID,
	).Scan(&itemCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotCandidate, "candidate %s for line item %s", sel.CandidateID, sel.LineItemID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: commit selection: lookup candidate")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE matches SET is_selected = false, is_suggested = false, selected_by = '' WHERE line_item_id = $1`,
		sel.LineItemID,
	); err != nil {
		return eris.Wrap(err, "postgres: commit selection: clear")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE matches SET is_selected = true, selected_by = $1 WHERE id = $2`,
		sel.SelectedBy, sel.CandidateID,
	); err != nil {
		return eris.Wrap(err, "postgres: commit selection: set")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE line_items SET status = $1, selected_item_code = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(sel.To), itemCode, time.Now().UTC(), sel.LineItemID, string(sel.From),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: commit selection: update line item")
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, tx, sel.LineItemID, sel.From)
	}

	if sel.Audit != nil {
		if err := insertAuditPG(ctx, tx, sel.Audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit selection: commit tx")
	}
	zap.L().Debug("store: selection committed",
		zap.String("line_item_id", sel.LineItemID),
		zap.String("item_code", itemCode),
		zap.String("selected_by", sel.SelectedBy),
	)
	return nil
}

func (s *PostgresStore) SuggestCandidate(ctx context.Context, lineItemID, candidateID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches SET is_suggested = (id = $2) WHERE line_item_id = $1
		 AND EXISTS (SELECT 1 FROM matches WHERE id = $2 AND line_item_id = $1)`,
		lineItemID, candidateID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: suggest candidate %s", candidateID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotCandidate, "candidate %s for line item %s", candidateID, lineItemID)
	}
	return nil
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	return insertAuditPG(ctx, s.pool, entry)
}

func insertAuditPG(ctx context.Context, q execer, entry *model.AuditEntry) error {
	payload, err := prepareAudit(entry)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO audit_log (id, line_item_id, event, actor, payload, digest, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.LineItemID, string(entry.Event), entry.Actor, payload, entry.Digest, entry.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: append audit %s", entry.Event)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, lineItemID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, line_item_id, event, actor, payload, digest, created_at FROM audit_log WHERE line_item_id = $1 ORDER BY seq`,
		lineItemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit %s", lineItemID)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// prepareAudit assigns identity and timestamp, seals the digest and returns
// the payload JSON.
// --- Dead-letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = resilience.DefaultDLQMaxRetries
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (line_item_id, project_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (line_item_id) DO UPDATE SET
		   error = $3, error_type = $4, next_retry_at = $7, last_failed_at = $9`,
		entry.LineItemID, entry.ProjectID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", entry.LineItemID)
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT line_item_id, project_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.LineItemID, &e.ProjectID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, lineItemID string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE line_item_id = $3`,
		nextRetryAt, lastErr, lineItemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", lineItemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", lineItemID)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, lineItemID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE line_item_id = $1`, lineItemID)
	return eris.Wrapf(err, "postgres: remove dlq %s", lineItemID)
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func prepareAudit(entry *model.AuditEntry) ([]byte, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := entry.Seal(); err != nil {
		return nil, eris.Wrap(err, "store: seal audit entry")
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal audit payload")
	}
	return payload, nil
}

func scanAudit(row scannable) (*model.AuditEntry, error) {
	var e model.AuditEntry
	var event string
	var payload []byte
	if err := row.Scan(&e.ID, &e.LineItemID, &event, &e.Actor, &payload, &e.Digest, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Event = model.AuditEvent(event)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal audit payload")
	}
	return &e, nil
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
