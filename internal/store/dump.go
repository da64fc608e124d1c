package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	. "github.com/roelfdiedericks/healerd/internal/logging"
)

// dumpTables lists every table in foreign-key dependency order: referenced
// tables first, so an import can insert in this order and delete in the
// reverse.
var dumpTables = []string{
	"avatars", "information_copies", "requests",
	"avatar_groups", "ic_groups", "request_groups",
	"avatar_group_members", "ic_group_members", "request_group_members",
	"sessions",
}

// Export writes the entire database as one JSON document: a map of table
// name to row objects. Blob columns are base64; everything else is stored
// as text or numbers already.
func (s *Store) Export(w io.Writer) error {
	dump := make(map[string][]map[string]any, len(dumpTables))

	for _, table := range dumpTables {
		L_debug("store: exporting table", "table", table)

		rows, err := s.db.Query(`SELECT * FROM ` + table + ` ORDER BY rowid`)
		if err != nil {
			return fmt.Errorf("export %s: %w", table, err)
		}

		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return fmt.Errorf("export %s columns: %w", table, err)
		}

		records := []map[string]any{}
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return fmt.Errorf("export %s scan: %w", table, err)
			}

			record := make(map[string]any, len(cols))
			for i, col := range cols {
				switch v := values[i].(type) {
				case []byte:
					record[col] = base64.StdEncoding.EncodeToString(v)
				default:
					record[col] = v
				}
			}
			records = append(records, record)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("export %s rows: %w", table, err)
		}
		rows.Close()
		dump[table] = records
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// blobColumns are the columns whose exported value is base64-encoded bytes
var blobColumns = map[string]bool{
	"photo_data": true,
	"wav_data":   true,
}

// Import wipes every table and restores the database from an Export dump.
// All ids are preserved. The whole restore runs in one transaction; on any
// error the database is left untouched.
func (s *Store) Import(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var dump map[string][]map[string]any
	if err := dec.Decode(&dump); err != nil {
		return fmt.Errorf("parse import: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	// Reverse order for deletion to respect foreign keys
	for i := len(dumpTables) - 1; i >= 0; i-- {
		table := dumpTables[i]
		L_debug("store: clearing table", "table", table)
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	// Forward order for insertion
	for _, table := range dumpTables {
		records := dump[table]
		if len(records) == 0 {
			continue
		}
		L_debug("store: importing table", "table", table, "rows", len(records))

		for _, record := range records {
			cols := make([]string, 0, len(record))
			args := make([]any, 0, len(record))
			for col, raw := range record {
				value, err := importValue(col, raw)
				if err != nil {
					return fmt.Errorf("import %s.%s: %w", table, col, err)
				}
				cols = append(cols, col)
				args = append(args, value)
			}
			placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
			query := `INSERT INTO ` + table + ` (` + strings.Join(cols, ", ") + `) VALUES (` + placeholders + `)`
			if _, err := tx.Exec(query, args...); err != nil {
				return fmt.Errorf("import %s: %w", table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	L_info("store: database imported")
	return nil
}

// importValue converts a decoded JSON value back to a driver argument
func importValue(col string, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case json.Number:
		// Integer columns reject float bindings; only fall back to float
		// for genuinely fractional values.
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Float64()
	case string:
		if blobColumns[col] {
			blob, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("decode blob: %w", err)
			}
			return blob, nil
		}
		return v, nil
	case bool:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", raw)
	}
}
