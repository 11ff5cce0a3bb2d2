package main

import (
	"errors"
	"strings"
	"testing"
)

func TestPlanMigration(t *testing.T) {
	cfg := testConfig(t)
	plan, err := planMigration(sampleModel(), cfg)
	if err != nil {
		t.Fatalf("planMigration() error: %v", err)
	}

	wantPrefixes := []string{
		"CREATE DATABASE IF NOT EXISTS ANALYTICS",
		"CREATE SCHEMA IF NOT EXISTS ANALYTICS.PUBLIC",
		"CREATE FILE FORMAT IF NOT EXISTS ANALYTICS.PUBLIC.FLAKEFERRY_CSV TYPE = CSV",
		"CREATE STAGE IF NOT EXISTS ANALYTICS.PUBLIC.FLAKEFERRY_STAGE FILE_FORMAT = ANALYTICS.PUBLIC.FLAKEFERRY_CSV",
		"CREATE TABLE IF NOT EXISTS ANALYTICS.PUBLIC.USERS (",
		"CREATE TABLE IF NOT EXISTS ANALYTICS.PUBLIC.EVENTS (",
	}
	if len(plan.Statements) != len(wantPrefixes) {
		t.Fatalf("got %d statements, want %d:\n%s", len(plan.Statements), len(wantPrefixes), strings.Join(plan.Statements, "\n"))
	}
	for i, want := range wantPrefixes {
		if !strings.HasPrefix(plan.Statements[i], want) {
			t.Errorf("statement %d = %q, want prefix %q", i, plan.Statements[i], want)
		}
	}

	users := plan.Statements[4]
	for _, want := range []string{
		"    ID NUMBER(19,0) IDENTITY(101,1) NOT NULL,",
		"    EMAIL VARCHAR(255) NOT NULL,",
		"    PROFILE VARIANT,",
		"    CREATED_AT TIMESTAMP_TZ NOT NULL,",
		"    CONSTRAINT PK_USERS PRIMARY KEY (ID),",
		"    CONSTRAINT USERS_EMAIL_KEY UNIQUE (EMAIL)\n)",
		"COMMENT = 'registered users'",
	} {
		if !strings.Contains(users, want) {
			t.Errorf("users DDL missing %q:\n%s", want, users)
		}
	}

	if !strings.Contains(plan.Script, "-- FOREIGN KEY events_user_fk (user_id) REFERENCES public.users (id)") {
		t.Errorf("script should document foreign keys as comments:\n%s", plan.Script)
	}
	if !strings.Contains(plan.Script, "-- CHECK events_payload_check") {
		t.Errorf("script should document checks as comments")
	}
	if len(plan.Decisions) != 6 {
		t.Errorf("decisions = %d, want 6", len(plan.Decisions))
	}
}

func TestPlanMigration_LoadPlan(t *testing.T) {
	plan, err := planMigration(sampleModel(), testConfig(t))
	if err != nil {
		t.Fatalf("planMigration() error: %v", err)
	}
	if len(plan.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(plan.Tables))
	}

	users := plan.Tables[0]
	if users.TargetSchema != "PUBLIC" || users.TargetTable != "USERS" {
		t.Errorf("users target = %s.%s", users.TargetSchema, users.TargetTable)
	}
	if !users.Resumable || strings.Join(users.OrderBy, ",") != "id" {
		t.Errorf("users should resume by primary key, got resumable=%t order=%v", users.Resumable, users.OrderBy)
	}
	if users.Columns[1].SourceName != "email" || users.Columns[1].TargetName != "EMAIL" {
		t.Errorf("column plan = %+v", users.Columns[1])
	}

	events := plan.Tables[1]
	if events.Resumable {
		t.Error("events has no primary key and no row locator; it must not be resumable")
	}
}

func TestPlanMigration_SequenceDefault(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Preferences.UseIdentityForAutoIncrement = &off

	plan, err := planMigration(sampleModel(), cfg)
	if err != nil {
		t.Fatalf("planMigration() error: %v", err)
	}
	if !strings.Contains(plan.Script, "CREATE SEQUENCE IF NOT EXISTS ANALYTICS.PUBLIC.USERS_ID_SEQ START = 101 INCREMENT = 1;") {
		t.Errorf("missing sequence statement:\n%s", plan.Script)
	}
	if !strings.Contains(plan.Script, "ID NUMBER(19,0) DEFAULT ANALYTICS.PUBLIC.USERS_ID_SEQ.NEXTVAL NOT NULL") {
		t.Errorf("missing sequence default:\n%s", plan.Script)
	}
}

func TestPlanMigration_ClusterAndSchemaOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target.Schema = "RAW"
	cfg.Preferences.ClusterKeyHints = map[string][]string{"public.users": {"created_at"}}

	plan, err := planMigration(sampleModel(), cfg)
	if err != nil {
		t.Fatalf("planMigration() error: %v", err)
	}
	for _, tp := range plan.Tables {
		if tp.TargetSchema != "RAW" {
			t.Errorf("%s target schema = %s, want RAW", tp.Key(), tp.TargetSchema)
		}
	}
	if !strings.Contains(plan.Script, "CREATE SCHEMA IF NOT EXISTS ANALYTICS.PUBLIC;") {
		t.Error("stage schema must still be created")
	}
	if !strings.Contains(plan.Script, "\nCLUSTER BY (CREATED_AT)") {
		t.Errorf("missing cluster key:\n%s", plan.Script)
	}
}

func TestPlanMigration_LowerCaseQuotes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Preferences.CaseStyle = "lower"

	plan, err := planMigration(sampleModel(), cfg)
	if err != nil {
		t.Fatalf("planMigration() error: %v", err)
	}
	if !strings.Contains(plan.Script, `CREATE TABLE IF NOT EXISTS ANALYTICS."public"."users" (`) {
		t.Errorf("lower-case identifiers must be quoted:\n%s", plan.Script)
	}
}

func TestPlanMigration_CollisionProducesNoPlan(t *testing.T) {
	m := sampleModel()
	m.Schemas[0].Tables[1].Name = "Users"

	plan, err := planMigration(m, testConfig(t))
	var collErr *IdentifierCollisionError
	if !errors.As(err, &collErr) {
		t.Fatalf("planMigration() error = %v, want IdentifierCollisionError", err)
	}
	if plan != nil {
		t.Error("no plan may be produced on collision")
	}
}

func TestPlanMigration_IncompleteTableExcluded(t *testing.T) {
	m := sampleModel()
	m.Schemas[0].Tables[1].Incomplete = true

	plan, err := planMigration(m, testConfig(t))
	if err != nil {
		t.Fatalf("planMigration() error: %v", err)
	}
	if len(plan.Tables) != 1 {
		t.Fatalf("tables = %d, want 1", len(plan.Tables))
	}
	found := false
	for _, n := range plan.Notes {
		if strings.Contains(n, "public.events excluded") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing exclusion note in %v", plan.Notes)
	}
}

func TestGenerateStage_S3(t *testing.T) {
	plan := &MigrationPlan{Database: "ANALYTICS", StageSchema: "PUBLIC", Stage: "EXT", FileFormat: "FF"}
	stmt := generateStage(plan, StageConfig{
		Type: "s3",
		S3:   S3Config{Bucket: "lake", Prefix: "/landing/", StorageIntegration: "S3_INT"},
	})
	want := "CREATE STAGE IF NOT EXISTS ANALYTICS.PUBLIC.EXT URL = 's3://lake/landing/' STORAGE_INTEGRATION = S3_INT FILE_FORMAT = ANALYTICS.PUBLIC.FF"
	if stmt != want {
		t.Errorf("generateStage() =\n%s\nwant\n%s", stmt, want)
	}
}
