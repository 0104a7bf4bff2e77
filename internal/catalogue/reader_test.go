package catalogue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func TestCanonicalHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Item Code", "item_code"},
		{"code", "item_code"},
		{" Item No. ", "item_code"},
		{"UoM", "unit"},
		{"Unit of Measure", "unit"},
		{"Rate", "rate"},
		{"Price", "rate"},
		{"Net Rate (£)", "rate"},
		{"Description", "description"},
		{"Work Section", "section"},
		{"Labour Hours", "labour_hours"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalHeader(tt.in))
		})
	}
}

func TestReadCSV_Aliases(t *testing.T) {
	in := `Code,Description,UoM,Trade,Price,Labour Hours
U10.1,Air handling unit repair,nr,HVAC,"1,250.00",4
V20.4,Cable trunking lid,m,,12.5
`
	rows, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, Row{
		Line: 2, ItemCode: "U10.1", Description: "Air handling unit repair",
		Unit: "nr", Trade: "HVAC", Rate: "1,250.00",
	}, rows[0])
	assert.Equal(t, "V20.4", rows[1].ItemCode)
	assert.Equal(t, 3, rows[1].Line)
	assert.Empty(t, rows[1].Trade)
}

func TestReadCSV_MissingRequiredColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("Code,Description,Rate\nA1,Thing,1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"unit"`)
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty file")
}

func TestReadCSV_DuplicateHeaders(t *testing.T) {
	in := "Item Code,Code,Description,Unit\nA1,ignored,Thing,nr\n"
	rows, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A1", rows[0].ItemCode)
}

func writeWorkbook(t *testing.T, sheet string, records [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sh, err := f.AddSheet(sheet)
	require.NoError(t, err)
	for _, rec := range records {
		row := sh.AddRow()
		for _, v := range rec {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "spons.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeWorkbook(t, "Mechanical", [][]string{
		{"Item Code", "Description", "Unit", "Rate"},
		{"F10.1", "Fire door closer replacement", "Each", "85.00"},
		{"", "", "", ""},
		{"H20.3", "AHU fan motor replacement", "nr"},
	})

	rows, err := ReadXLSX(path, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "F10.1", rows[0].ItemCode)
	assert.Equal(t, "Each", rows[0].Unit)
	assert.Equal(t, "85.00", rows[0].Rate)
	assert.Equal(t, "H20.3", rows[1].ItemCode)
	assert.Empty(t, rows[1].Rate)

	byName, err := ReadXLSX(path, "Mechanical")
	require.NoError(t, err)
	assert.Equal(t, rows, byName)

	_, err = ReadXLSX(path, "Civils")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "spons.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("code,description,unit\nA1,Thing,nr\n"), 0o600))

	rows, err := ReadFile(csvPath, "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = ReadFile(filepath.Join(dir, "spons.pdf"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}
