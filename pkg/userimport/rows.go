// Package userimport bulk-loads user accounts and stores from
// semicolon-delimited text or .xlsx workbooks.
package userimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrEmptyFile is returned when a file holds no data rows.
var ErrEmptyFile = errors.New("import file has no rows")

// record is one data row with its 1-based line (or sheet row) number.
type record struct {
	line   int
	fields []string
}

// readRecords picks the reader from the file extension. The first row is
// dropped when its first cell equals header.
func readRecords(filename string, r io.Reader, header string) ([]record, error) {
	var (
		rows []record
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		rows, err = readWorkbook(r)
	default:
		rows, err = readDelimited(r)
	}
	if err != nil {
		return nil, err
	}
	out := make([]record, 0, len(rows))
	for i, row := range rows {
		if i == 0 && len(row.fields) > 0 && strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(row.fields[0], "\ufeff")), header) {
			continue
		}
		if blank(row.fields) {
			continue
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}

func readDelimited(r io.Reader) ([]record, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var out []record
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read delimited file: %w", err)
		}
		line, _ := cr.FieldPos(0)
		out = append(out, record{line: line, fields: fields})
	}
}

// readWorkbook reads the first sheet of an .xlsx workbook.
func readWorkbook(r io.Reader) ([]record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	out := make([]record, 0, len(rows))
	for i, row := range rows {
		out = append(out, record{line: i + 1, fields: row})
	}
	return out, nil
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// field returns the trimmed cell at i, or "" for short rows.
func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
