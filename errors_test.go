package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	sf "github.com/snowflakedb/gosnowflake"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"cancelled", fmt.Errorf("extract: %w", context.Canceled), KindCancelled},
		{"auth", &AuthError{Endpoint: "snowflake", Err: errors.New("token expired")}, KindAuth},
		{"auth wins over connection", &AuthError{Err: &ConnectionError{Err: io.EOF}}, KindAuth},
		{"rejection", &LoadRejectionError{Table: "T", Rejected: 3, Err: errors.New("bad row")}, KindRejection},
		{"permission", &SchemaIntrospectionPermissionError{Schema: "s", Object: "t", Err: errors.New("denied")}, KindPermission},
		{"collision", &IdentifierCollisionError{CaseStyle: "upper"}, KindCollision},
		{"transient", &TransientIOError{Op: "read", Err: errors.New("reset")}, KindTransient},
		{"connection", &ConnectionError{Endpoint: "postgres", Err: errors.New("refused")}, KindConnection},

		{"pg auth", &pgconn.PgError{Code: "28P01"}, KindAuth},
		{"pg connection", &pgconn.PgError{Code: "08006"}, KindConnection},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, KindTransient},
		{"pg deadlock", fmt.Errorf("copy: %w", &pgconn.PgError{Code: "40P01"}), KindTransient},
		{"pg privilege", &pgconn.PgError{Code: "42501"}, KindPermission},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, KindFatal},

		{"mysql access denied", &mysql.MySQLError{Number: 1045}, KindAuth},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, KindTransient},
		{"mysql gone away", &mysql.MySQLError{Number: 2006}, KindTransient},
		{"mysql table grant", &mysql.MySQLError{Number: 1142}, KindPermission},
		{"mysql syntax", &mysql.MySQLError{Number: 1064}, KindFatal},

		{"snowflake token expired", &sf.SnowflakeError{Number: 390318}, KindAuth},
		{"snowflake parse error", &sf.SnowflakeError{Number: 100038}, KindRejection},
		{"snowflake network", &sf.SnowflakeError{Number: 260008}, KindConnection},
		{"snowflake sqlstate 08", &sf.SnowflakeError{Number: 1, SQLState: "08001"}, KindConnection},
		{"snowflake statement timeout", &sf.SnowflakeError{Number: 630}, KindTransient},
		{"snowflake compilation", &sf.SnowflakeError{Number: 2003}, KindFatal},

		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unexpected eof", fmt.Errorf("read chunk: %w", io.ErrUnexpectedEOF), KindTransient},
		{"connection reset", fmt.Errorf("write: %w", syscall.ECONNRESET), KindTransient},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("i/o timeout")}, KindTransient},
		{"other", errors.New("boom"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		KindTransient:  true,
		KindConnection: true,
		KindAuth:       false,
		KindPermission: false,
		KindRejection:  false,
		KindCollision:  false,
		KindCancelled:  false,
		KindFatal:      false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %t, want %t", kind, got, want)
		}
	}
}

func TestIdentifierCollisionErrorMessage(t *testing.T) {
	err := &IdentifierCollisionError{
		CaseStyle: "upper",
		Collisions: []IdentifierCollision{
			{Scope: "schema public", Folded: "USERS", Sources: []string{"users", "Users"}},
		},
	}
	want := "identifier collisions under case_style=upper: schema public: users, Users -> USERS"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
