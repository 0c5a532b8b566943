package client

import (
	"fmt"
	"strings"

	"github.com/tinysqlapi/broker/wire"
)

// FieldKind is the abstract column type declared to Initialize, mirroring
// the source system's richer type tag even though the wire protocol itself
// only carries wire.Kind (spec §4.8 type mapping table).
type FieldKind int

const (
	FieldBool FieldKind = iota
	FieldInt
	FieldUInt
	FieldLongLong
	FieldULongLong
	FieldFloat
	FieldString
	FieldChar
	FieldDate
	FieldBytes
	FieldBitArray
)

// sqlType maps a FieldKind to the DDL column type (spec §4.8: Bool/Int/UInt/
// LongLong/ULongLong/Float -> INTEGER; String/Char/Date -> VARCHAR(maxLength);
// Bytes/BitArray -> BLOB).
func (k FieldKind) sqlType(maxLength int) string {
	switch k {
	case FieldBool, FieldInt, FieldUInt, FieldLongLong, FieldULongLong, FieldFloat:
		return "INTEGER"
	case FieldString, FieldChar, FieldDate:
		if maxLength <= 0 {
			maxLength = 255
		}
		return fmt.Sprintf("VARCHAR(%d)", maxLength)
	case FieldBytes, FieldBitArray:
		return "BLOB"
	default:
		return "BLOB"
	}
}

// FieldDecl declares one column passed to Initialize, plus the primary-key
// identifier declaration (spec §4.8 initialize(identifier, initializers)).
type FieldDecl struct {
	Name      string
	Kind      FieldKind
	MaxLength int // only meaningful for String/Char/Date
}

// buildCreateTable synthesizes "CREATE TABLE ... ON CONFLICT REPLACE" with
// columns in declaration order, identifier first as the primary key (spec
// §4.8). This does not reproduce the source's exact DDL byte-for-byte
// (SPEC_FULL.md's Open Question decision: accept the schema break rather
// than chase binary compatibility with pre-existing database files).
func buildCreateTable(table string, identifier FieldDecl, fields []FieldDecl) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(table))
	fmt.Fprintf(&b, "  %s %s NOT NULL PRIMARY KEY ON CONFLICT REPLACE", quoteIdent(identifier.Name), identifier.Kind.sqlType(identifier.MaxLength))
	for _, f := range fields {
		fmt.Fprintf(&b, ",\n  %s %s", quoteIdent(f.Name), f.Kind.sqlType(f.MaxLength))
	}
	b.WriteString("\n)")
	return b.String()
}

// buildInsert synthesizes an INSERT OR REPLACE statement for writeItem,
// binding every value as a literal (the broker's executor runs a single
// bare statement per request, per spec §4.2/§4.7 — there is no prepared
// statement cache on the wire).
func buildInsert(table string, columns []string, values []wire.Value) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT OR REPLACE INTO %s (", quoteIdent(table))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlLiteral(v))
	}
	b.WriteString(")")
	return b.String()
}

func buildSelectOne(table, primaryKey string, key wire.Value) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", quoteIdent(table), quoteIdent(primaryKey), sqlLiteral(key))
}

func buildSelectAll(table string) string {
	return fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
}

func buildCount(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
}

func buildDeleteOne(table, primaryKey string, key wire.Value) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quoteIdent(table), quoteIdent(primaryKey), sqlLiteral(key))
}

func buildDeleteAll(table string) string {
	return fmt.Sprintf("DELETE FROM %s", quoteIdent(table))
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// sqlLiteral renders v as a SQL literal. Strings are escaped by doubling
// single quotes; this mirrors the minimal escaping the teacher's own
// migration/auth SQL construction relies on for embedded literals.
func sqlLiteral(v wire.Value) string {
	switch v.Kind {
	case wire.KindNull:
		return "NULL"
	case wire.KindBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case wire.KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case wire.KindUInt64:
		return fmt.Sprintf("%d", v.UInt64)
	case wire.KindFloat64:
		return fmt.Sprintf("%v", v.Float64)
	case wire.KindString:
		return "'" + strings.ReplaceAll(v.String, "'", "''") + "'"
	case wire.KindBytes:
		return "X'" + fmt.Sprintf("%x", v.Bytes) + "'"
	case wire.KindDate:
		return "'" + v.Date.UTC().Format("2006-01-02T15:04:05Z") + "'"
	default:
		return "NULL"
	}
}
