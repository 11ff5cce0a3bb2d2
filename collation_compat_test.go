package main

import (
	"strings"
	"testing"
)

func collationModel(tables ...Table) *SchemaModel {
	return &SchemaModel{Engine: "mysql", Schemas: []SourceSchema{{Name: "shop", Tables: tables}}}
}

func TestCollectCollationNotes_EmptyModel(t *testing.T) {
	if notes := collectCollationNotes(&SchemaModel{}); len(notes) != 0 {
		t.Errorf("expected no notes, got %v", notes)
	}
}

func TestCollectCollationNotes_CaseInsensitive(t *testing.T) {
	model := collationModel(
		Table{
			Schema: "shop", Name: "t1",
			Columns: []Column{
				{Name: "a", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"},
				{Name: "id"},
			},
		},
		Table{
			Schema: "shop", Name: "t2",
			Columns: []Column{
				{Name: "b", Charset: "utf8mb4", Collation: "utf8mb4_general_ci"},
			},
		},
	)

	notes := collectCollationNotes(model)
	var ci []string
	for _, n := range notes {
		if strings.Contains(n, "case-insensitive") {
			ci = append(ci, n)
		}
	}
	if len(ci) != 1 {
		t.Fatalf("expected one case-insensitive note, got %v", notes)
	}
	if !strings.Contains(ci[0], "2 column(s)") || !strings.Contains(ci[0], "COLLATE 'en-ci'") {
		t.Errorf("unexpected note: %s", ci[0])
	}
	if notes[0] != "source charsets found: utf8mb4" {
		t.Errorf("notes[0] = %q", notes[0])
	}
}

func TestCollectCollationNotes_BinaryCollationsIgnored(t *testing.T) {
	model := collationModel(Table{
		Schema: "shop", Name: "t",
		Columns: []Column{
			{Name: "a", Collation: "utf8mb4_bin"},
			{Name: "b", Collation: "C"},
			{Name: "c", Collation: "default"},
		},
	})
	if notes := collectCollationNotes(model); len(notes) != 0 {
		t.Errorf("expected no notes for binary collations, got %v", notes)
	}
}

func TestCollectCollationNotes_KeyColumns(t *testing.T) {
	tests := []struct {
		name    string
		table   Table
		wantRef string
	}{
		{
			name: "primary key",
			table: Table{
				Schema: "shop", Name: "users",
				Columns:    []Column{{Name: "email", Collation: "utf8mb4_0900_ai_ci"}},
				PrimaryKey: &Index{Name: "PRIMARY", Columns: []string{"email"}, Unique: true, IsPrimary: true},
			},
			wantRef: "shop.users.email",
		},
		{
			name: "unique key",
			table: Table{
				Schema: "shop", Name: "tags",
				Columns:    []Column{{Name: "id"}, {Name: "slug", Collation: "latin1_swedish_ci"}},
				PrimaryKey: &Index{Columns: []string{"id"}, IsPrimary: true},
				UniqueKeys: []Index{{Name: "uq_slug", Columns: []string{"slug"}, Unique: true}},
			},
			wantRef: "shop.tags.slug",
		},
		{
			name: "non-unique index",
			table: Table{
				Schema: "shop", Name: "notes",
				Columns: []Column{{Name: "title", Collation: "utf8mb4_general_ci"}},
				Indexes: []Index{{Name: "ix_title", Columns: []string{"title"}}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var keyNote string
			for _, n := range collectCollationNotes(collationModel(tt.table)) {
				if strings.HasPrefix(n, "primary/unique key") {
					keyNote = n
				}
			}
			if tt.wantRef == "" {
				if keyNote != "" {
					t.Errorf("unexpected key note: %s", keyNote)
				}
				return
			}
			if !strings.Contains(keyNote, tt.wantRef) {
				t.Errorf("key note %q does not mention %s", keyNote, tt.wantRef)
			}
		})
	}
}
