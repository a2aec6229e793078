package ledger

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// defaultColumns are the fixed positional columns used when a ledger
// file has no header row (id, based_on_id, description, performance,
// status), extended with idea_llm/run_llm attribution columns.
var defaultColumns = []string{
	ColID, ColBasedOn, ColDescription, ColPerformance, ColStatus, ColIdeaLLM, ColRunLLM,
}

// Canonical, lower-cased column names.
const (
	ColID          = "id"
	ColBasedOn     = "based_on_id"
	ColDescription = "description"
	ColPerformance = "performance"
	ColStatus      = "status"
	ColIdeaLLM     = "idea_llm"
	ColRunLLM      = "run_llm"
)

// table is the in-memory decoded form of the ledger CSV: an ordered
// column list (file order, lower-cased) and a row slice of column->value
// maps, preserving the file's schema-evolution contract (new columns may
// be appended on demand and all rows padded).
type table struct {
	columns []string
	rows    []map[string]string
}

func newEmptyTable() *table {
	return &table{columns: append([]string{}, defaultColumns...)}
}

func (t *table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}
	return false
}

// ensureColumn appends name to the column list if absent, padding every
// existing row with an empty value for it.
func (t *table) ensureColumn(name string) {
	if t.hasColumn(name) {
		return
	}
	t.columns = append(t.columns, name)
	for _, row := range t.rows {
		row[name] = ""
	}
}

func cleanID(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// parseTable decodes raw ledger bytes into a table. Empty input yields an
// empty table seeded with the default columns so the first Append call
// has somewhere to write a header.
func parseTable(data []byte) (*table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return newEmptyTable(), nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse ledger csv: %w", err)
	}
	if len(records) == 0 {
		return newEmptyTable(), nil
	}

	hasHeader := len(records[0]) > 0 && strings.EqualFold(cleanID(records[0][0]), "id")

	var columns []string
	var dataRecords [][]string
	if hasHeader {
		columns = make([]string, len(records[0]))
		for i, c := range records[0] {
			columns[i] = strings.ToLower(strings.TrimSpace(c))
		}
		dataRecords = records[1:]
	} else {
		columns = append([]string{}, defaultColumns...)
		dataRecords = records
	}

	maxLen := len(columns)
	for _, rec := range dataRecords {
		if len(rec) > maxLen {
			maxLen = len(rec)
		}
	}
	for len(columns) < maxLen {
		columns = append(columns, fmt.Sprintf("col%d", len(columns)))
	}

	rows := make([]map[string]string, 0, len(dataRecords))
	for _, rec := range dataRecords {
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			var v string
			if i < len(rec) {
				v = strings.TrimSpace(rec[i])
			}
			if col == ColID {
				v = cleanID(v)
			}
			row[col] = v
		}
		rows = append(rows, row)
	}

	return &table{columns: columns, rows: rows}, nil
}

// encode renders t back to CSV bytes, a header row followed by one row
// per candidate in column order.
func (t *table) encode() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(t.columns); err != nil {
		return nil, err
	}
	for _, row := range t.rows {
		record := make([]string, len(t.columns))
		for i, col := range t.columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readTable reads and decodes the ledger file. A missing file is treated
// as an empty ledger, not an error, so a fresh evolution directory works.
func (l *Ledger) readTable() (*table, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newEmptyTable(), nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", l.path, err)
	}
	return parseTable(data)
}

// writeTable atomically replaces the ledger file: encode to a
// PID+uuid-suffixed temp file in the same directory, then rename into
// place, so concurrent readers never observe a partial write. The uuid
// suffix avoids collision when a sandboxed evaluator subprocess shares
// its worker's PID namespace.
func (l *Ledger) writeTable(t *table) error {
	data, err := t.encode()
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmpName := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(l.path), os.Getpid(), uuid.NewString())
	tmpPath := filepath.Join(dir, tmpName)

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp ledger into place: %w", err)
	}
	return nil
}
