package store

import (
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// scanRowMap scans the current row into a map, converting driver bytes
// into JSON-friendly Go values using the column's database type. lib/pq
// hands back []byte for text, numeric and array columns alike, so the
// type name is the only way to tell them apart.
func scanRowMap(rows *sqlx.Rows) (map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	m := make(map[string]interface{}, len(cols))
	for i, name := range cols {
		m[name] = convertValue(raw[i], types[i].DatabaseTypeName())
	}
	return m, nil
}

func convertValue(v interface{}, dbtype string) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)
	if strings.HasPrefix(dbtype, "_") {
		return parseArrayLiteral(s, strings.TrimPrefix(dbtype, "_"))
	}
	switch dbtype {
	case "NUMERIC", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "INT2", "INT4", "INT8":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}

// parseArrayLiteral decodes a Postgres array literal like {1,2,NULL} or
// {"a","b c"}. Nested arrays do not occur in our schemas.
func parseArrayLiteral(s, elemType string) []interface{} {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return []interface{}{}
	}
	s = s[1 : len(s)-1]
	if s == "" {
		return []interface{}{}
	}

	elems := splitArrayLiteral(s)
	out := make([]interface{}, 0, len(elems))
	for _, e := range elems {
		out = append(out, convertArrayElement(e, elemType))
	}
	return out
}

type arrayElement struct {
	text   string
	quoted bool
}

func splitArrayLiteral(s string) []arrayElement {
	var elems []arrayElement
	var cur strings.Builder
	inQuotes := false
	quoted := false
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			quoted = true
		case r == ',' && !inQuotes:
			elems = append(elems, arrayElement{cur.String(), quoted})
			cur.Reset()
			quoted = false
		default:
			cur.WriteRune(r)
		}
	}
	elems = append(elems, arrayElement{cur.String(), quoted})
	return elems
}

func convertArrayElement(e arrayElement, elemType string) interface{} {
	if !e.quoted && e.text == "NULL" {
		return nil
	}
	switch elemType {
	case "INT2", "INT4", "INT8":
		if n, err := strconv.ParseInt(e.text, 10, 64); err == nil {
			return n
		}
	case "NUMERIC", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(e.text, 64); err == nil {
			return f
		}
	}
	return e.text
}
