package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Embeddings are
// stored as JSON arrays and ranked in process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS catalogue_items (
	item_code     TEXT PRIMARY KEY,
	description   TEXT NOT NULL,
	unit          TEXT NOT NULL,
	trade         TEXT NOT NULL,
	book          TEXT NOT NULL DEFAULT '',
	section       TEXT NOT NULL DEFAULT '',
	rate          TEXT NOT NULL DEFAULT '0',
	tags          TEXT NOT NULL DEFAULT '[]',
	content_hash  TEXT NOT NULL,
	embedding     TEXT,
	embedded_hash TEXT,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_catalogue_trade_unit ON catalogue_items(trade, unit);

CREATE TABLE IF NOT EXISTS line_items (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	transcript_id      TEXT NOT NULL,
	dedup_key          TEXT NOT NULL UNIQUE,
	observation        TEXT NOT NULL,
	refined            TEXT,
	status             TEXT NOT NULL,
	selected_item_code TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_line_items_project ON line_items(project_id);
CREATE INDEX IF NOT EXISTS idx_line_items_status ON line_items(status);

CREATE TABLE IF NOT EXISTS matches (
	id            TEXT PRIMARY KEY,
	line_item_id  TEXT NOT NULL REFERENCES line_items(id),
	item_code     TEXT NOT NULL REFERENCES catalogue_items(item_code),
	rank          INTEGER NOT NULL,
	distance      REAL NOT NULL,
	similarity    REAL NOT NULL,
	unit_matches  INTEGER NOT NULL,
	trade_matches INTEGER NOT NULL,
	is_selected   INTEGER NOT NULL DEFAULT 0,
	is_suggested  INTEGER NOT NULL DEFAULT 0,
	selected_by   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (line_item_id, item_code)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_one_selected ON matches(line_item_id) WHERE is_selected = 1;

CREATE TABLE IF NOT EXISTS audit_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	line_item_id TEXT NOT NULL REFERENCES line_items(id),
	event        TEXT NOT NULL,
	actor        TEXT NOT NULL,
	payload      TEXT NOT NULL,
	digest       TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audit_line_item ON audit_log(line_item_id, seq);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	line_item_id   TEXT PRIMARY KEY REFERENCES line_items(id),
	project_id     TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Catalogue ---

const sqliteCatalogueSelect = `SELECT item_code, description, unit, trade, book, section, rate, tags, content_hash, updated_at FROM catalogue_items`

func (s *SQLiteStore) UpsertCatalogueItems(ctx context.Context, items []model.CatalogueItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert catalogue: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalogue_items (item_code, description, unit, trade, book, section, rate, tags, content_hash, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (item_code) DO UPDATE SET
		   description = excluded.description, unit = excluded.unit, trade = excluded.trade,
		   book = excluded.book, section = excluded.section, rate = excluded.rate,
		   tags = excluded.tags, content_hash = excluded.content_hash, updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert catalogue: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var total int64
	for _, it := range items {
		hash := it.ContentHash
		if hash == "" {
			hash = it.ComputeContentHash()
		}
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal tags")
		}
		res, err := stmt.ExecContext(ctx, it.ItemCode, it.Description, it.Unit, string(it.Trade),
			it.Book, it.Section, it.Rate.String(), string(tagsJSON), hash, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert catalogue item %s", it.ItemCode)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert catalogue: commit tx")
	}
	return total, nil
}

func (s *SQLiteStore) GetCatalogueItem(ctx context.Context, itemCode string) (*model.CatalogueItem, error) {
	it, err := scanSQLiteCatalogue(s.db.QueryRowContext(ctx, sqliteCatalogueSelect+` WHERE item_code = ?`, itemCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "catalogue item %s", itemCode)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get catalogue item %s", itemCode)
	}
	return it, nil
}

func (s *SQLiteStore) ListCatalogueItemsNeedingEmbedding(ctx context.Context, limit int) ([]model.CatalogueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteCatalogueSelect+` WHERE embedding IS NULL OR embedded_hash IS NULL OR embedded_hash != content_hash ORDER BY item_code LIMIT ?`,
		defaultLimit(limit, 500),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale embeddings")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.CatalogueItem
	for rows.Next() {
		it, err := scanSQLiteCatalogue(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalogue item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list stale embeddings iterate")
}

func (s *SQLiteStore) SetCatalogueEmbedding(ctx context.Context, itemCode string, embedding []float32, contentHash string) error {
	vec, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE catalogue_items SET embedding = ?, embedded_hash = ? WHERE item_code = ?`,
		string(vec), contentHash, itemCode,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set embedding %s", itemCode)
	}
	return checkRowsAffected(res, "catalogue item", itemCode)
}

func (s *SQLiteStore) SearchCatalogue(ctx context.Context, q CatalogueQuery) ([]CatalogueHit, error) {
	if len(q.Embedding) == 0 {
		return nil, eris.New("sqlite: search catalogue: empty embedding")
	}

	query := `SELECT item_code, description, unit, trade, book, section, rate, tags, content_hash, updated_at, embedding
		FROM catalogue_items WHERE embedding IS NOT NULL`
	var args []any
	if q.Trade != "" {
		query += ` AND trade = ?`
		args = append(args, string(q.Trade))
	}
	if len(q.Units) > 0 {
		query += ` AND UPPER(unit) IN (?` + strings.Repeat(`, ?`, len(q.Units)-1) + `)`
		for _, u := range upperAll(q.Units) {
			args = append(args, u)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search catalogue")
	}
	defer rows.Close() //nolint:errcheck

	var hits []CatalogueHit
	for rows.Next() {
		var vecJSON string
		it, err := scanSQLiteCatalogue(rows, &vecJSON)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan search hit")
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode embedding %s", it.ItemCode)
		}
		hits = append(hits, CatalogueHit{Item: *it, Distance: cosineDistance(q.Embedding, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: search catalogue iterate")
	}

	sortHits(hits)
	if limit := defaultLimit(q.Limit, 10); len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *SQLiteStore) CountCatalogueItems(ctx context.Context) (int, int, error) {
	var total, embedded int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM catalogue_items`,
	).Scan(&total, &embedded)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: count catalogue")
	}
	return total, embedded, nil
}

func scanSQLiteCatalogue(row scannable, extra ...any) (*model.CatalogueItem, error) {
	var it model.CatalogueItem
	var trade, rate, tags string
	dest := append([]any{
		&it.ItemCode, &it.Description, &it.Unit, &trade, &it.Book, &it.Section,
		&rate, &tags, &it.ContentHash, &it.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	it.Trade = model.Trade(trade)
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse rate %q", rate)
	}
	it.Rate = d
	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal tags")
	}
	return &it, nil
}

// --- Line items ---

func (s *SQLiteStore) CreateLineItem(ctx context.Context, item *model.LineItem) (bool, error) {
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
		return false, eris.Wrap(err, "sqlite: marshal observation")
	}
	refinedJSON, err := marshalRefined(item.Refined)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO line_items (id, project_id, transcript_id, dedup_key, observation, refined, status, selected_item_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (dedup_key) DO NOTHING`,
		item.ID, item.ProjectID, item.TranscriptID, item.DedupKey, string(obsJSON), nullableText(refinedJSON),
		string(item.Status), item.SelectedItemCode, now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert line item")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	existing, err := scanLineItem(s.db.QueryRowContext(ctx, lineItemSelect+` WHERE dedup_key = ?`, item.DedupKey))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: load duplicate line item %s", item.DedupKey)
	}
	*item = *existing
	return false, nil
}

func (s *SQLiteStore) GetLineItem(ctx context.Context, id string) (*model.LineItem, error) {
	li, err := scanLineItem(s.db.QueryRowContext(ctx, lineItemSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "line item %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get line item %s", id)
	}
	return li, nil
}

func (s *SQLiteStore) ListLineItems(ctx context.Context, filter model.LineItemFilter) ([]model.LineItem, error) {
	query := lineItemSelect + ` WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.TranscriptID != "" {
		query += ` AND transcript_id = ?`
		args = append(args, filter.TranscriptID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, defaultLimit(filter.Limit, 100), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list line items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan line item")
		}
		items = append(items, *li)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list line items iterate")
}

func (s *SQLiteStore) UpdateLineItemStatus(ctx context.Context, id string, from, to model.Status) error {
	if err := model.CheckTransition(from, to); err != nil {
		return eris.Wrapf(err, "line item %s", id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE line_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update line item status %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sqliteMissingOrStale(ctx, s.db, id, from)
	}
	return nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to model.Status, entry *model.AuditEntry) error {
	if err := model.CheckTransition(from, to); err != nil {
		return eris.Wrapf(err, "line item %s", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: transition: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE line_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition line item %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sqliteMissingOrStale(ctx, tx, id, from)
	}
	if entry != nil {
		if err := insertAuditSQLite(ctx, tx, entry); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: transition: commit tx")
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteMissingOrStale(ctx context.Context, q sqliteQuerier, id string, expected model.Status) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM line_items WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "line item %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read line item status %s", id)
	}
	return eris.Wrapf(ErrStaleStatus, "line item %s: expected %s, found %s", id, expected, current)
}

func (s *SQLiteStore) SaveRefinement(ctx context.Context, id string, refined model.RefinedObservation) error {
	refinedJSON, err := marshalRefined(&refined)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE line_items SET refined = ?, updated_at = ? WHERE id = ?`,
		string(refinedJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save refinement %s", id)
	}
	return checkRowsAffected(res, "line item", id)
}

func (s *SQLiteStore) CountLineItemsByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM line_items GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count line items")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count line items iterate")
}

// --- Matches ---

func (s *SQLiteStore) ReplaceCandidates(ctx context.Context, lineItemID string, candidates []model.Candidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace candidates: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE line_item_id = ?`, lineItemID); err != nil {
		return eris.Wrapf(err, "sqlite: clear candidates %s", lineItemID)
	}

	now := time.Now().UTC()
	for i := range candidates {
		c := &candidates[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.LineItemID = lineItemID
		c.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matches (id, line_item_id, item_code, rank, distance, similarity, unit_matches, trade_matches, is_selected, is_suggested, selected_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, lineItemID, c.Item.ItemCode, c.Rank, c.Distance, c.SimilarityScore,
			c.UnitMatches, c.TradeMatches, c.IsSelected, c.IsSuggested, c.SelectedBy, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert candidate %s", c.Item.ItemCode)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: replace candidates: commit tx")
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, lineItemID string) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.line_item_id, m.rank, m.distance, m.similarity, m.unit_matches, m.trade_matches,
		        m.is_selected, m.is_suggested, m.selected_by, m.created_at,
		        c.item_code, c.description, c.unit, c.trade, c.book, c.section, c.rate, c.tags, c.content_hash, c.updated_at
		 FROM matches m JOIN catalogue_items c ON c.item_code = m.item_code
		 WHERE m.line_item_id = ? ORDER BY m.rank, c.item_code`,
		lineItemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidates %s", lineItemID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var trade, rate, tags string
		if err := rows.Scan(&c.ID, &c.LineItemID, &c.Rank, &c.Distance, &c.SimilarityScore,
			&c.UnitMatches, &c.TradeMatches, &c.IsSelected, &c.IsSuggested, &c.SelectedBy, &c.CreatedAt,
			&c.Item.ItemCode, &c.Item.Description, &c.Item.Unit, &trade, &c.Item.Book, &c.Item.Section,
			&rate, &tags, &c.Item.ContentHash, &c.Item.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		c.Item.Trade = model.Trade(trade)
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse rate %q for %s", rate, c.Item.ItemCode)
		}
		c.Item.Rate = d
		if err := json.Unmarshal([]byte(tags), &c.Item.Tags); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal tags for %s", c.Item.ItemCode)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) CommitSelection(ctx context.Context, sel Selection) error {
	if err := model.CheckTransition(sel.From, sel.To); err != nil {
		return eris.Wrapf(err, "line item %s", sel.LineItemID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit selection: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var itemCode string
	err = tx.QueryRowContext(ctx,
		`SELECT item_code FROM matches WHERE id = ? AND line_item_id = ?`,
		sel.CandidateID, sel.LineItemID,
	).Scan(&itemCode)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotCandidate, "candidate %s for line item %s", sel.CandidateID, sel.LineItemID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: commit selection: lookup candidate")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE matches SET is_selected = 0, is_suggested = 0, selected_by = '' WHERE line_item_id = ?`,
		sel.LineItemID,
	); err != nil {
		return eris.Wrap(err, "sqlite: commit selection: clear")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE matches SET is_selected = 1, selected_by = ? WHERE id = ?`,
		sel.SelectedBy, sel.CandidateID,
	); err != nil {
		return eris.Wrap(err, "sqlite: commit selection: set")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE line_items SET status = ?, selected_item_code = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(sel.To), itemCode, time.Now().UTC(), sel.LineItemID, string(sel.From),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit selection: update line item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sqliteMissingOrStale(ctx, tx, sel.LineItemID, sel.From)
	}

	if sel.Audit != nil {
		if err := insertAuditSQLite(ctx, tx, sel.Audit); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit selection: commit tx")
}

func (s *SQLiteStore) SuggestCandidate(ctx context.Context, lineItemID, candidateID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET is_suggested = (id = ?) WHERE line_item_id = ?
		 AND EXISTS (SELECT 1 FROM matches WHERE id = ? AND line_item_id = ?)`,
		candidateID, lineItemID, candidateID, lineItemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: suggest candidate %s", candidateID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotCandidate, "candidate %s for line item %s", candidateID, lineItemID)
	}
	return nil
}

// --- Audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	return insertAuditSQLite(ctx, s.db, entry)
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAuditSQLite(ctx context.Context, q sqliteExecer, entry *model.AuditEntry) error {
	payload, err := prepareAudit(entry)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, line_item_id, event, actor, payload, digest, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.LineItemID, string(entry.Event), entry.Actor, string(payload), entry.Digest, entry.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: append audit %s", entry.Event)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, lineItemID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, line_item_id, event, actor, payload, digest, created_at FROM audit_log WHERE line_item_id = ? ORDER BY seq`,
		lineItemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit %s", lineItemID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// --- Dead-letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (line_item_id, project_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (line_item_id) DO UPDATE SET
		   error = excluded.error,
		   error_type = excluded.error_type,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.LineItemID, entry.ProjectID, entry.Error, entry.ErrorType, entry.RetryCount,
		entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", entry.LineItemID)
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT line_item_id, project_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at, line_item_id LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.LineItemID, &e.ProjectID, &e.Error, &e.ErrorType, &e.RetryCount,
			&e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, lineItemID string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE line_item_id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), lineItemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", lineItemID)
	}
	return checkRowsAffected(res, "dlq entry", lineItemID)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, lineItemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE line_item_id = ?`, lineItemID)
	return eris.Wrapf(err, "sqlite: remove dlq %s", lineItemID)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
