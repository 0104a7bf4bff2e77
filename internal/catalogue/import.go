package catalogue

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/taxonomy"
)

// DefaultChunkSize is the number of rows upserted per store call.
const DefaultChunkSize = 500

// ImportStore is the slice of the store the importer writes through.
type ImportStore interface {
	UpsertCatalogueItems(ctx context.Context, items []model.CatalogueItem) (int64, error)
}

// RowError records a row the importer rejected.
type RowError struct {
	Line     int    `json:"line"`
	ItemCode string `json:"item_code,omitempty"`
	Reason   string `json:"reason"`
}

// ImportResult summarizes one import.
type ImportResult struct {
	Rows       int        `json:"rows"`
	Upserted   int64      `json:"upserted"`
	Duplicates int        `json:"duplicates"`
	Rejected   []RowError `json:"rejected,omitempty"`
}

// Importer normalizes raw rows and upserts them by item code.
type Importer struct {
	store     ImportStore
	tax       *taxonomy.Taxonomy
	book      string
	chunkSize int
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithTaxonomy overrides the embedded vocabulary tables.
func WithTaxonomy(t *taxonomy.Taxonomy) ImporterOption {
	return func(i *Importer) { i.tax = t }
}

// WithDefaultBook fills the price book for rows that do not name one.
func WithDefaultBook(book string) ImporterOption {
	return func(i *Importer) { i.book = book }
}

// WithChunkSize bounds the rows sent per upsert.
func WithChunkSize(n int) ImporterOption {
	return func(i *Importer) {
		if n > 0 {
			i.chunkSize = n
		}
	}
}

// NewImporter creates an Importer.
func NewImporter(st ImportStore, opts ...ImporterOption) *Importer {
	i := &Importer{store: st, tax: taxonomy.Default(), chunkSize: DefaultChunkSize}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ImportFile reads path and imports its rows.
func (i *Importer) ImportFile(ctx context.Context, path, sheet string) (*ImportResult, error) {
	rows, err := ReadFile(path, sheet)
	if err != nil {
		return nil, err
	}
	return i.Import(ctx, rows)
}

// Import normalizes rows and upserts the valid ones. Later rows win when an
// item code repeats. Invalid rows are reported, not fatal.
func (i *Importer) Import(ctx context.Context, rows []Row) (*ImportResult, error) {
	res := &ImportResult{Rows: len(rows)}

	index := make(map[string]int, len(rows))
	items := make([]model.CatalogueItem, 0, len(rows))
	for _, row := range rows {
		item, err := i.Normalize(row)
		if err != nil {
			res.Rejected = append(res.Rejected, RowError{
				Line:     row.Line,
				ItemCode: strings.TrimSpace(row.ItemCode),
				Reason:   err.Error(),
			})
			continue
		}
		if at, dup := index[item.ItemCode]; dup {
			items[at] = item
			res.Duplicates++
			continue
		}
		index[item.ItemCode] = len(items)
		items = append(items, item)
	}

	for start := 0; start < len(items); start += i.chunkSize {
		end := min(start+i.chunkSize, len(items))
		n, err := i.store.UpsertCatalogueItems(ctx, items[start:end])
		if err != nil {
			return res, eris.Wrapf(err, "catalogue: upsert rows %d-%d", start, end)
		}
		res.Upserted += n
	}

	zap.L().Info("catalogue: import complete",
		zap.Int("rows", res.Rows),
		zap.Int64("upserted", res.Upserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// Normalize converts one raw row into a catalogue item. The trade is mapped
// onto the closed enum, inferred from the description when the column is
// blank. The unit is put in canonical form and the content hash computed.
func (i *Importer) Normalize(row Row) (model.CatalogueItem, error) {
	code := strings.ToUpper(strings.TrimSpace(row.ItemCode))
	desc := strings.Join(strings.Fields(row.Description), " ")
	unit := strings.TrimSpace(row.Unit)

	switch {
	case code == "":
		return model.CatalogueItem{}, eris.New("missing item code")
	case desc == "":
		return model.CatalogueItem{}, eris.New("missing description")
	case unit == "":
		return model.CatalogueItem{}, eris.New("missing unit")
	}

	rate, err := parseRate(row.Rate)
	if err != nil {
		return model.CatalogueItem{}, err
	}

	trade := model.TradeGeneral
	if t := strings.TrimSpace(row.Trade); t != "" {
		trade = i.tax.NormalizeTrade(t)
	} else if inferred, ok := i.tax.TradeForAsset(desc); ok {
		trade = inferred
	}

	book := strings.TrimSpace(row.Book)
	if book == "" {
		book = i.book
	}

	item := model.CatalogueItem{
		ItemCode:    code,
		Description: desc,
		Unit:        i.tax.NormalizeUnit(unit),
		Trade:       trade,
		Book:        book,
		Section:     strings.TrimSpace(row.Section),
		Rate:        rate,
		Tags:        splitTags(row.Tags),
	}
	item.ContentHash = item.ComputeContentHash()
	return item, nil
}

// parseRate accepts "1,234.50", "£95" and blank (zero).
func parseRate(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Errorf("invalid rate %q", raw)
	}
	if d.IsNegative() {
		return decimal.Zero, eris.Errorf("negative rate %q", raw)
	}
	return d, nil
}

// splitTags splits on semicolons or commas, trimming and lower-casing.
func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	seen := make(map[string]bool, len(parts))
	var tags []string
	for _, p := range parts {
		t := strings.ToLower(strings.TrimSpace(p))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}
