package client

import (
	"strings"
	"testing"

	"github.com/tinysqlapi/broker/wire"
)

func TestBuildCreateTable(t *testing.T) {
	ddl := buildCreateTable("widgets",
		FieldDecl{Name: "k", Kind: FieldString, MaxLength: 64},
		[]FieldDecl{{Name: "n", Kind: FieldInt}},
	)
	for _, want := range []string{`"widgets"`, `"k" VARCHAR(64) NOT NULL PRIMARY KEY ON CONFLICT REPLACE`, `"n" INTEGER`} {
		if !strings.Contains(ddl, want) {
			t.Errorf("ddl %q missing %q", ddl, want)
		}
	}
}

func TestBuildInsert(t *testing.T) {
	stmt := buildInsert("widgets", []string{"k", "n"}, []wire.Value{wire.NewString("row-1"), wire.NewInt64(7)})
	want := `INSERT OR REPLACE INTO "widgets" ("k", "n") VALUES ('row-1', 7)`
	if stmt != want {
		t.Errorf("got %q, want %q", stmt, want)
	}
}

func TestSqlLiteralEscapesQuotes(t *testing.T) {
	got := sqlLiteral(wire.NewString("it's here"))
	want := "'it''s here'"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildSelectOneAndDelete(t *testing.T) {
	sel := buildSelectOne("widgets", "k", wire.NewString("row-1"))
	if sel != `SELECT * FROM "widgets" WHERE "k" = 'row-1'` {
		t.Errorf("unexpected select: %q", sel)
	}
	del := buildDeleteOne("widgets", "k", wire.NewString("row-1"))
	if del != `DELETE FROM "widgets" WHERE "k" = 'row-1'` {
		t.Errorf("unexpected delete: %q", del)
	}
}
