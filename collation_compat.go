package main

import (
	"fmt"
	"strings"
)

// collectCollationNotes reports the source collations of text columns.
// Case-insensitive collations (_ci suffix) become case-sensitive on the
// warehouse, where strings compare byte-wise unless a column is declared
// with COLLATE 'en-ci'.
func collectCollationNotes(model *SchemaModel) []string {
	charsets := make(map[string]bool)
	collations := make(map[string]bool)
	// _ci collation -> count of columns using it
	ciCounts := make(map[string]int)
	// _ci collation -> "schema.table.column" refs covered by a PK or unique key
	ciKeyRefs := make(map[string][]string)

	for _, t := range model.AllTables() {
		keyCols := uniqueKeyColumns(t)
		for _, col := range t.Columns {
			if col.Charset != "" {
				charsets[col.Charset] = true
			}
			if col.Collation == "" || isBinaryCollation(col.Collation) {
				continue
			}
			collations[col.Collation] = true
			if !isCaseInsensitiveCollation(col.Collation) {
				continue
			}
			ciCounts[col.Collation]++
			if keyCols[col.Name] {
				ciKeyRefs[col.Collation] = append(ciKeyRefs[col.Collation], t.QualifiedName()+"."+col.Name)
			}
		}
	}

	var notes []string
	if len(charsets) > 0 {
		notes = append(notes, fmt.Sprintf("source charsets found: %s", strings.Join(sortedKeys(charsets), ", ")))
	}
	if len(collations) > 0 {
		notes = append(notes, fmt.Sprintf("source collations found: %s", strings.Join(sortedKeys(collations), ", ")))
	}
	for _, coll := range sortedKeys(ciCounts) {
		notes = append(notes, fmt.Sprintf(
			"%d column(s) use %s (case-insensitive); warehouse string comparisons are case-sensitive unless declared COLLATE 'en-ci'",
			ciCounts[coll], coll))
	}
	for _, coll := range sortedKeys(ciKeyRefs) {
		notes = append(notes, fmt.Sprintf(
			"primary/unique key on %s column(s) %s: lookups and joins that relied on case folding will not match",
			coll, strings.Join(ciKeyRefs[coll], ", ")))
	}
	return notes
}

func uniqueKeyColumns(t Table) map[string]bool {
	cols := make(map[string]bool)
	if t.PrimaryKey != nil {
		for _, c := range t.PrimaryKey.Columns {
			cols[c] = true
		}
	}
	for _, idx := range append(append([]Index(nil), t.UniqueKeys...), t.Indexes...) {
		if !idx.Unique {
			continue
		}
		for _, c := range idx.Columns {
			cols[c] = true
		}
	}
	return cols
}

func isCaseInsensitiveCollation(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "_ci")
}

// isBinaryCollation matches collations that already compare byte-wise.
func isBinaryCollation(name string) bool {
	lower := strings.ToLower(name)
	switch lower {
	case "c", "posix", "default", "binary", "ucs_basic":
		return true
	}
	return strings.HasSuffix(lower, "_bin")
}
