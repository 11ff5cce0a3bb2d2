package main

import (
	"fmt"
	"strings"
)

// largeTableBytes marks tables that get high load priority and a clustering note.
const largeTableBytes = 1 << 30

// ColumnPlan maps one source column onto its target column.
type ColumnPlan struct {
	Source     Column `yaml:"-"`
	SourceName string `yaml:"source"`
	TargetName string `yaml:"target"`
	TargetType string `yaml:"type"`
	Nullable   bool   `yaml:"nullable"`
}

// TablePlan is the load plan entry of one table.
type TablePlan struct {
	Table          Table        `yaml:"-"`
	SourceSchema   string       `yaml:"source_schema"`
	SourceTable    string       `yaml:"source_table"`
	TargetSchema   string       `yaml:"target_schema"`
	TargetTable    string       `yaml:"target_table"`
	Columns        []ColumnPlan `yaml:"columns"`
	OrderBy        []string     `yaml:"order_by,omitempty"`
	PrimaryKey     []string     `yaml:"primary_key,omitempty"` // target names
	Resumable      bool         `yaml:"resumable"`
	EstimatedRows  int64        `yaml:"estimated_rows"`
	RowCountExact  bool         `yaml:"row_count_exact"`
	EstimatedBytes int64        `yaml:"estimated_bytes"`
	Priority       string       `yaml:"priority"` // high|normal
}

// Key identifies the table by its source name.
func (p TablePlan) Key() string {
	return p.Table.QualifiedName()
}

// SequencePlan is a target sequence created ahead of the tables.
type SequencePlan struct {
	Schema    string `yaml:"schema"`
	Name      string `yaml:"name"`
	Start     int64  `yaml:"start"`
	Increment int64  `yaml:"increment"`
	// OwnedBy is the target TABLE.COLUMN whose default draws from this sequence.
	OwnedBy string `yaml:"owned_by,omitempty"`
}

// MigrationPlan is everything the planner derives from a SchemaModel. It is
// pure data; nothing here has been executed.
type MigrationPlan struct {
	Database    string
	StageSchema string
	Stage       string
	FileFormat  string
	Schemas     []string
	Tables      []TablePlan
	Sequences   []SequencePlan
	Decisions   []TypeMappingDecision
	Statements  []string
	Script      string
	Notes       []string
}

// StageRef returns the fully qualified @stage reference.
func (p *MigrationPlan) StageRef() string {
	return "@" + sfQualified(p.Database, p.StageSchema, p.Stage)
}

// FileFormatRef returns the fully qualified file format name.
func (p *MigrationPlan) FileFormatRef() string {
	return sfQualified(p.Database, p.StageSchema, p.FileFormat)
}

// TargetRef returns the fully qualified target table of tp.
func (p *MigrationPlan) TargetRef(tp TablePlan) string {
	return sfQualified(p.Database, tp.TargetSchema, tp.TargetTable)
}

// planMigration folds identifiers, maps types and renders the DDL script and
// load plan. It fails before producing any DDL when identifiers collide.
func planMigration(model *SchemaModel, cfg *MigrationConfig) (*MigrationPlan, error) {
	prefs := cfg.Preferences
	if err := checkIdentifierCollisions(model, cfg.Target, prefs); err != nil {
		return nil, err
	}

	plan := &MigrationPlan{
		Database:    cfg.Target.Database,
		StageSchema: cfg.Target.StageSchema,
		Stage:       cfg.Stage.Name,
		FileFormat:  cfg.Stage.FileFormat,
	}

	seen := make(map[string]bool)
	for _, s := range model.Schemas {
		ts := targetSchemaName(s.Name, cfg.Target, prefs)
		if !seen[ts] {
			seen[ts] = true
			plan.Schemas = append(plan.Schemas, ts)
		}
	}

	var tableDDL []string
	for _, s := range model.Schemas {
		ts := targetSchemaName(s.Name, cfg.Target, prefs)
		for _, t := range s.Tables {
			if t.Incomplete {
				plan.Notes = append(plan.Notes, fmt.Sprintf(
					"table %s excluded from the load plan: column metadata is incomplete", t.QualifiedName()))
				continue
			}
			tp, decisions, seqs := planTable(t, ts, model.RowLocator, prefs)
			plan.Tables = append(plan.Tables, tp)
			plan.Decisions = append(plan.Decisions, decisions...)
			plan.Sequences = append(plan.Sequences, seqs...)
			tableDDL = append(tableDDL, generateCreateTable(plan, tp, decisions, prefs))
		}
		plan.Sequences = append(plan.Sequences, standaloneSequences(s, ts, prefs)...)
	}

	plan.Notes = append(plan.Notes, collectPlanNotes(model, plan, prefs)...)

	plan.Statements = append(plan.Statements,
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", sfIdent(plan.Database)))
	for _, ts := range plan.Schemas {
		plan.Statements = append(plan.Statements,
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", sfQualified(plan.Database, ts)))
	}
	if !seen[plan.StageSchema] {
		plan.Statements = append(plan.Statements,
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", sfQualified(plan.Database, plan.StageSchema)))
	}
	plan.Statements = append(plan.Statements, generateFileFormat(plan, prefs.Format))
	plan.Statements = append(plan.Statements, generateStage(plan, cfg.Stage))
	for _, sp := range plan.Sequences {
		plan.Statements = append(plan.Statements, fmt.Sprintf(
			"CREATE SEQUENCE IF NOT EXISTS %s START = %d INCREMENT = %d",
			sfQualified(plan.Database, sp.Schema, sp.Name), sp.Start, sp.Increment))
	}
	plan.Statements = append(plan.Statements, tableDDL...)

	plan.Script = renderScript(model, plan)
	return plan, nil
}

func planTable(t Table, targetSchema, rowLocator string, prefs Preferences) (TablePlan, []TypeMappingDecision, []SequencePlan) {
	tp := TablePlan{
		Table:          t,
		SourceSchema:   t.Schema,
		SourceTable:    t.Name,
		TargetSchema:   targetSchema,
		TargetTable:    foldIdentifier(t.Name, prefs),
		EstimatedRows:  t.RowEstimate,
		RowCountExact:  t.RowCountExact,
		EstimatedBytes: t.SizeBytes,
		Priority:       "normal",
	}
	if t.SizeBytes > largeTableBytes {
		tp.Priority = "high"
	}

	var decisions []TypeMappingDecision
	var seqs []SequencePlan
	for _, c := range t.Columns {
		d := mapColumnType(c, prefs)
		d.Schema = targetSchema
		d.Table = tp.TargetTable
		d.Column = foldIdentifier(c.Name, prefs)
		decisions = append(decisions, d)

		tp.Columns = append(tp.Columns, ColumnPlan{
			Source:     c,
			SourceName: c.Name,
			TargetName: d.Column,
			TargetType: d.TargetType,
			Nullable:   c.Nullable,
		})
		if d.AutoIncrement == "sequence" {
			seqs = append(seqs, SequencePlan{
				Schema:    targetSchema,
				Name:      columnSequenceName(c, tp.TargetTable, prefs),
				Start:     max(c.IdentityStart, 1),
				Increment: incrementOrOne(c.IdentityIncrement),
				OwnedBy:   tp.TargetTable + "." + d.Column,
			})
		}
	}

	switch {
	case t.PrimaryKey != nil && len(t.PrimaryKey.Columns) > 0:
		tp.OrderBy = append([]string(nil), t.PrimaryKey.Columns...)
		for _, c := range t.PrimaryKey.Columns {
			tp.PrimaryKey = append(tp.PrimaryKey, foldIdentifier(c, prefs))
		}
		tp.Resumable = true
	case rowLocator != "":
		tp.OrderBy = []string{rowLocator}
		tp.Resumable = true
	}
	return tp, decisions, seqs
}

// columnSequenceName names the target sequence of a column, reusing the source
// sequence name when one exists.
func columnSequenceName(c Column, targetTable string, prefs Preferences) string {
	if c.SequenceName != "" {
		name := c.SequenceName
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		return foldIdentifier(strings.Trim(name, `"`), prefs)
	}
	return foldIdentifier(targetTable+"_"+c.Name+"_seq", prefs)
}

// standaloneSequences carries over source sequences no column owns.
func standaloneSequences(s SourceSchema, targetSchema string, prefs Preferences) []SequencePlan {
	var out []SequencePlan
	for _, seq := range s.Sequences {
		if seq.OwnedBy != "" {
			continue
		}
		out = append(out, SequencePlan{
			Schema:    targetSchema,
			Name:      foldIdentifier(seq.Name, prefs),
			Start:     seq.NextValue(),
			Increment: incrementOrOne(seq.Increment),
		})
	}
	return out
}

func clusterKeys(t Table, prefs Preferences) []string {
	hint, ok := prefs.ClusterKeyHints[t.QualifiedName()]
	if !ok {
		hint, ok = prefs.ClusterKeyHints[t.Name]
	}
	if !ok {
		return nil
	}
	keys := make([]string, len(hint))
	for i, h := range hint {
		keys[i] = foldIdentifier(h, prefs)
	}
	return keys
}

// generateCreateTable produces an existence-guarded CREATE TABLE statement.
// Primary and unique keys are declared for documentation; the warehouse does
// not enforce them.
func generateCreateTable(plan *MigrationPlan, tp TablePlan, decisions []TypeMappingDecision, prefs Preferences) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", plan.TargetRef(tp))

	var lines []string
	for i, col := range tp.Columns {
		d := decisions[i]
		var l strings.Builder
		fmt.Fprintf(&l, "    %s %s", sfIdent(col.TargetName), col.TargetType)
		switch d.AutoIncrement {
		case "identity":
			fmt.Fprintf(&l, " IDENTITY(%d,%d)", max(col.Source.IdentityStart, 1), incrementOrOne(col.Source.IdentityIncrement))
		case "sequence":
			for _, sp := range plan.Sequences {
				if sp.Schema == tp.TargetSchema && sp.OwnedBy == tp.TargetTable+"."+col.TargetName {
					fmt.Fprintf(&l, " DEFAULT %s.NEXTVAL", sfQualified(plan.Database, sp.Schema, sp.Name))
					break
				}
			}
		}
		if !col.Nullable {
			l.WriteString(" NOT NULL")
		}
		if col.Source.Comment != "" {
			fmt.Fprintf(&l, " COMMENT %s", sfLiteral(col.Source.Comment))
		}
		lines = append(lines, l.String())
	}

	t := tp.Table
	if len(tp.PrimaryKey) > 0 {
		lines = append(lines, fmt.Sprintf("    CONSTRAINT %s PRIMARY KEY (%s)",
			sfIdent(foldIdentifier("pk_"+t.Name, prefs)), identList(tp.PrimaryKey)))
	}
	for _, uk := range t.UniqueKeys {
		cols := make([]string, len(uk.Columns))
		for i, c := range uk.Columns {
			cols[i] = foldIdentifier(c, prefs)
		}
		lines = append(lines, fmt.Sprintf("    CONSTRAINT %s UNIQUE (%s)",
			sfIdent(foldIdentifier(uk.Name, prefs)), identList(cols)))
	}

	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")
	if cluster := clusterKeys(t, prefs); len(cluster) > 0 {
		fmt.Fprintf(&b, "\nCLUSTER BY (%s)", identList(cluster))
	}
	if t.Comment != "" {
		fmt.Fprintf(&b, "\nCOMMENT = %s", sfLiteral(t.Comment))
	}
	return b.String()
}

func identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = sfIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func generateFileFormat(plan *MigrationPlan, format string) string {
	if format == "columnar" {
		return fmt.Sprintf("CREATE FILE FORMAT IF NOT EXISTS %s TYPE = PARQUET BINARY_AS_TEXT = TRUE", plan.FileFormatRef())
	}
	return fmt.Sprintf(
		`CREATE FILE FORMAT IF NOT EXISTS %s TYPE = CSV COMPRESSION = GZIP PARSE_HEADER = TRUE `+
			`FIELD_OPTIONALLY_ENCLOSED_BY = '"' NULL_IF = ('\\N') EMPTY_FIELD_AS_NULL = FALSE BINARY_FORMAT = HEX`,
		plan.FileFormatRef())
}

func generateStage(plan *MigrationPlan, stage StageConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE STAGE IF NOT EXISTS %s", sfQualified(plan.Database, plan.StageSchema, plan.Stage))
	if stage.Type == "s3" {
		url := "s3://" + stage.S3.Bucket + "/"
		if p := strings.Trim(stage.S3.Prefix, "/"); p != "" {
			url += p + "/"
		}
		fmt.Fprintf(&b, " URL = %s", sfLiteral(url))
		if stage.S3.StorageIntegration != "" {
			fmt.Fprintf(&b, " STORAGE_INTEGRATION = %s", sfIdent(stage.S3.StorageIntegration))
		} else {
			fmt.Fprintf(&b, " CREDENTIALS = (AWS_KEY_ID = %s AWS_SECRET_KEY = %s)",
				sfLiteral(stage.S3.AccessKeyID), sfLiteral(stage.S3.SecretAccessKey))
		}
	}
	fmt.Fprintf(&b, " FILE_FORMAT = %s", plan.FileFormatRef())
	return b.String()
}

// renderScript joins the statements into the snowflake_objects.sql artifact,
// with foreign keys and checks documented as comments.
func renderScript(model *SchemaModel, plan *MigrationPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- flakeferry DDL for %s database %q\n", model.Engine, model.Database)
	b.WriteString("-- PRIMARY KEY and UNIQUE constraints are informational on Snowflake standard tables.\n")
	b.WriteString("-- Foreign keys and CHECK constraints are recorded as comments only.\n\n")

	// table statements come last, in plan.Tables order
	firstTable := len(plan.Statements) - len(plan.Tables)
	for i, stmt := range plan.Statements {
		if i >= firstTable {
			writeConstraintComments(&b, plan.Tables[i-firstTable])
		}
		b.WriteString(stmt)
		b.WriteString(";\n\n")
	}
	return b.String()
}

func writeConstraintComments(b *strings.Builder, tp TablePlan) {
	t := tp.Table
	fmt.Fprintf(b, "-- source: %s\n", t.QualifiedName())
	for _, fk := range t.ForeignKeys {
		ref := fk.RefTable
		if fk.RefSchema != "" {
			ref = fk.RefSchema + "." + ref
		}
		fmt.Fprintf(b, "-- FOREIGN KEY %s (%s) REFERENCES %s (%s) ON UPDATE %s ON DELETE %s\n",
			fk.Name, strings.Join(fk.Columns, ", "), ref, strings.Join(fk.RefColumns, ", "), fk.UpdateRule, fk.DeleteRule)
	}
	for _, ck := range t.Checks {
		fmt.Fprintf(b, "-- CHECK %s: %s\n", ck.Name, strings.ReplaceAll(ck.Expression, "\n", " "))
	}
}
