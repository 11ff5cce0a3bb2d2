package main

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SchemaFilter selects the source schemas to analyze. A pattern of "*"
// selects every user schema; other patterns use path.Match syntax.
type SchemaFilter struct {
	Schemas             []string
	ExactCountThreshold int64
}

// analyze introspects the source and returns an immutable SchemaModel.
// Permission problems on individual objects are recorded as issues and the
// affected table is kept but flagged Incomplete.
func analyze(ctx context.Context, src SourceDB, filter SchemaFilter, log *zap.Logger) (*SchemaModel, error) {
	all, err := src.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	selected, err := selectSchemas(all, filter.Schemas)
	if err != nil {
		return nil, err
	}

	model := &SchemaModel{
		Engine:     src.Name(),
		Database:   src.DatabaseName(),
		RowLocator: src.RowLocator(),
		AnalyzedAt: time.Now().UTC(),
	}

	for _, schema := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Info(fmt.Sprintf("  analyzing schema %s", schema), zap.String("schema", schema))

		ss, err := analyzeSchema(ctx, src, schema, filter.ExactCountThreshold, model, log)
		if err != nil {
			return nil, err
		}
		model.Schemas = append(model.Schemas, ss)

		objs, err := src.SourceObjects(ctx, schema)
		switch {
		case isPermissionError(err):
			model.addIssue(schema, "source objects", "permission", err)
		case err != nil:
			return nil, fmt.Errorf("source objects of %s: %w", schema, err)
		default:
			model.Objects.Views = append(model.Objects.Views, objs.Views...)
			model.Objects.Routines = append(model.Objects.Routines, objs.Routines...)
			model.Objects.Triggers = append(model.Objects.Triggers, objs.Triggers...)
		}
	}

	log.Info(fmt.Sprintf("analyzed %d table(s), ~%d row(s), %d issue(s)",
		len(model.AllTables()), model.TotalRows(), len(model.Issues)))
	return model, nil
}

func analyzeSchema(ctx context.Context, src SourceDB, schema string, exactThreshold int64, model *SchemaModel, log *zap.Logger) (SourceSchema, error) {
	ss := SourceSchema{Name: schema}

	tables, err := src.ListTables(ctx, schema)
	if isPermissionError(err) {
		model.addIssue(schema, "tables", "permission", err)
		return ss, nil
	}
	if err != nil {
		return ss, fmt.Errorf("list tables of %s: %w", schema, err)
	}

	for i := range tables {
		if err := ctx.Err(); err != nil {
			return ss, err
		}
		t := &tables[i]

		if err := src.IntrospectTable(ctx, t); err != nil {
			if !isPermissionError(err) {
				return ss, fmt.Errorf("introspect %s: %w", t.QualifiedName(), err)
			}
			model.addIssue(schema, t.Name, "permission", err)
			t.Incomplete = true
		}
		if len(t.Columns) == 0 && !t.Incomplete {
			t.Incomplete = true
			model.Issues = append(model.Issues, IntrospectionIssue{
				Schema:  schema,
				Object:  t.Name,
				Kind:    "incomplete",
				Message: "no readable column metadata",
			})
		}

		if !t.Incomplete && t.RowEstimate < exactThreshold {
			n, err := src.ExactRowCount(ctx, *t)
			switch {
			case isPermissionError(err):
				model.addIssue(schema, t.Name, "permission", err)
			case err != nil:
				return ss, err
			default:
				t.RowEstimate = n
				t.RowCountExact = true
			}
		}
		t.RowEstimate = max(t.RowEstimate, 0)

		log.Debug(fmt.Sprintf("    %s: %d column(s), ~%d row(s)", t.QualifiedName(), len(t.Columns), t.RowEstimate),
			zap.String("table", t.QualifiedName()), zap.Int64("rows", t.RowEstimate))
	}
	ss.Tables = tables

	seqs, err := src.ListSequences(ctx, schema)
	switch {
	case isPermissionError(err):
		model.addIssue(schema, "sequences", "permission", err)
	case err != nil:
		return ss, fmt.Errorf("list sequences of %s: %w", schema, err)
	default:
		ss.Sequences = seqs
	}
	return ss, nil
}

// selectSchemas applies filter patterns to the source schema list, keeping
// source order. A literal name that does not exist is an error.
func selectSchemas(all, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	var out []string
	for _, s := range all {
		for _, p := range patterns {
			if ok, _ := path.Match(p, s); ok {
				out = append(out, s)
				break
			}
		}
	}
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[") {
			continue
		}
		found := false
		for _, s := range all {
			if s == p {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("schema %q not found in source (available: %s)", p, strings.Join(all, ", "))
		}
	}
	return out, nil
}

func isPermissionError(err error) bool {
	return err != nil && classifyError(err) == KindPermission
}

func (m *SchemaModel) addIssue(schema, object, kind string, err error) {
	m.Issues = append(m.Issues, IntrospectionIssue{
		Schema:  schema,
		Object:  object,
		Kind:    kind,
		Message: err.Error(),
	})
}
