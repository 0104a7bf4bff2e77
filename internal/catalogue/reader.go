// Package catalogue imports SPONS price-book rows from XLSX or CSV exports
// and keeps their embeddings in step with their text.
package catalogue

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Row is one raw catalogue row before normalization. Columns are matched by
// canonical header name after aliasing.
type Row struct {
	Line        int    `csv:"-"`
	ItemCode    string `csv:"item_code"`
	Description string `csv:"description"`
	Unit        string `csv:"unit"`
	Trade       string `csv:"trade,omitempty"`
	Book        string `csv:"book,omitempty"`
	Section     string `csv:"section,omitempty"`
	Rate        string `csv:"rate,omitempty"`
	Tags        string `csv:"tags,omitempty"`
}

// headerAliases maps folded header spellings seen in SPONS exports to the
// canonical column names in Row.
var headerAliases = map[string]string{
	"item_code":        "item_code",
	"code":             "item_code",
	"item":             "item_code",
	"item_no":          "item_code",
	"ref":              "item_code",
	"reference":        "item_code",
	"spons_code":       "item_code",
	"description":      "description",
	"desc":             "description",
	"item_description": "description",
	"unit":             "unit",
	"units":            "unit",
	"uom":              "unit",
	"unit_of_measure":  "unit",
	"trade":            "trade",
	"discipline":       "trade",
	"book":             "book",
	"price_book":       "book",
	"section":          "section",
	"work_section":     "section",
	"rate":             "rate",
	"price":            "rate",
	"unit_rate":        "rate",
	"net_rate":         "rate",
	"total_rate":       "rate",
	"tags":             "tags",
	"keywords":         "tags",
}

// CanonicalHeader maps a header cell to its canonical column name. Unknown
// headers fold to themselves and are ignored by the decoder.
func CanonicalHeader(h string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	folded := strings.TrimSuffix(b.String(), "_")
	if canon, ok := headerAliases[folded]; ok {
		return canon
	}
	return folded
}

// ReadFile reads catalogue rows from path, choosing the parser by extension.
// sheet selects an XLSX worksheet by name; empty means the first sheet.
func ReadFile(path, sheet string) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, sheet)
	case ".csv":
		f, err := os.Open(path) //nolint:gosec
		if err != nil {
			return nil, eris.Wrap(err, "catalogue: open csv")
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(f)
	default:
		return nil, eris.Errorf("catalogue: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadCSV decodes rows from a CSV stream whose first record is the header.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return decode(cr)
}

// ReadXLSX decodes rows from one worksheet of an XLSX workbook. Blank rows
// are dropped.
func ReadXLSX(path, sheet string) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalogue: open xlsx")
	}

	var sh *xlsx.Sheet
	switch {
	case sheet != "":
		var ok bool
		if sh, ok = f.Sheet[sheet]; !ok {
			return nil, eris.Errorf("catalogue: sheet %q not found", sheet)
		}
	case len(f.Sheets) == 0:
		return nil, eris.New("catalogue: workbook has no sheets")
	default:
		sh = f.Sheets[0]
	}

	records := make([][]string, 0, len(sh.Rows))
	for _, row := range sh.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		blank := true
		for i, cell := range row.Cells {
			cells[i] = strings.TrimSpace(cell.String())
			if cells[i] != "" {
				blank = false
			}
		}
		if !blank {
			records = append(records, cells)
		}
	}
	return decode(&sliceReader{records: records})
}

// recordReader is the csvutil.Reader contract.
type recordReader interface {
	Read() ([]string, error)
}

// sliceReader feeds pre-read worksheet rows to csvutil.
type sliceReader struct {
	records [][]string
	next    int
}

func (s *sliceReader) Read() ([]string, error) {
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

// padReader squares ragged records to the header width; spreadsheets drop
// trailing empty cells and csvutil rejects short records.
type padReader struct {
	r     recordReader
	width int
}

func (p *padReader) Read() ([]string, error) {
	rec, err := p.r.Read()
	if err != nil {
		return nil, err
	}
	switch {
	case len(rec) < p.width:
		rec = append(rec, make([]string, p.width-len(rec))...)
	case len(rec) > p.width:
		rec = rec[:p.width]
	}
	return rec, nil
}

func decode(r recordReader) ([]Row, error) {
	raw, err := r.Read()
	if err == io.EOF {
		return nil, eris.New("catalogue: empty file")
	}
	if err != nil {
		return nil, eris.Wrap(err, "catalogue: read header")
	}

	header := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, h := range raw {
		header[i] = CanonicalHeader(h)
		if header[i] == "" || seen[header[i]] {
			// csvutil rejects duplicate or empty column names.
			header[i] = "_col" + strconv.Itoa(i)
		}
		seen[header[i]] = true
	}
	for _, required := range []string{"item_code", "description", "unit"} {
		if !seen[required] {
			return nil, eris.Errorf("catalogue: missing required column %q", required)
		}
	}

	dec, err := csvutil.NewDecoder(&padReader{r: r, width: len(header)}, header...)
	if err != nil {
		return nil, eris.Wrap(err, "catalogue: create decoder")
	}

	var rows []Row
	line := 1
	for {
		var row Row
		err := dec.Decode(&row)
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "catalogue: decode line %d", line)
		}
		row.Line = line
		rows = append(rows, row)
	}
	return rows, nil
}
