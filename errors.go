package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	sf "github.com/snowflakedb/gosnowflake"
)

// ConnectionError means a source or target endpoint could not be reached.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means a credential was rejected or expired. Never retried.
type AuthError struct {
	Endpoint string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SchemaIntrospectionPermissionError is recorded per object and does not stop analysis.
type SchemaIntrospectionPermissionError struct {
	Schema string
	Object string
	Err    error
}

func (e *SchemaIntrospectionPermissionError) Error() string {
	return fmt.Sprintf("permission denied introspecting %s.%s: %v", e.Schema, e.Object, e.Err)
}

func (e *SchemaIntrospectionPermissionError) Unwrap() error { return e.Err }

// IdentifierCollision is one set of source names that fold to the same target name.
type IdentifierCollision struct {
	Scope   string   // "schema", "table PUBLIC.USERS", ...
	Folded  string   // the shared target name
	Sources []string // original names
}

// IdentifierCollisionError aborts planning before any DDL is produced.
type IdentifierCollisionError struct {
	CaseStyle  string
	Collisions []IdentifierCollision
}

func (e *IdentifierCollisionError) Error() string {
	parts := make([]string, 0, len(e.Collisions))
	for _, c := range e.Collisions {
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", c.Scope, strings.Join(c.Sources, ", "), c.Folded))
	}
	return fmt.Sprintf("identifier collisions under case_style=%s: %s", e.CaseStyle, strings.Join(parts, "; "))
}

// TransientIOError marks an error as retryable.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// LoadRejectionError means the warehouse rejected records of a chunk.
type LoadRejectionError struct {
	Table    string
	File     string
	Rejected int64
	Err      error
}

func (e *LoadRejectionError) Error() string {
	return fmt.Sprintf("load %s from %s rejected %d row(s): %v", e.Table, e.File, e.Rejected, e.Err)
}

func (e *LoadRejectionError) Unwrap() error { return e.Err }

// ValidationMismatch is a failed post-load check. Recorded, never fatal.
type ValidationMismatch struct {
	Table string
	Check string
	Want  string
	Got   string
}

func (e *ValidationMismatch) Error() string {
	return fmt.Sprintf("validation %s on %s: want %s, got %s", e.Check, e.Table, e.Want, e.Got)
}

// ErrorKind is the retry-relevant classification of an error.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindConnection ErrorKind = "connection"
	KindAuth       ErrorKind = "auth"
	KindPermission ErrorKind = "permission"
	KindRejection  ErrorKind = "rejection"
	KindCollision  ErrorKind = "identifier_collision"
	KindCancelled  ErrorKind = "cancelled"
	KindFatal      ErrorKind = "fatal"
)

// Retryable reports whether errors of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindConnection
}

// classifyError maps driver and network errors onto the error taxonomy.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var (
		authErr      *AuthError
		connErr      *ConnectionError
		transientErr *TransientIOError
		rejectErr    *LoadRejectionError
		permErr      *SchemaIntrospectionPermissionError
		collErr      *IdentifierCollisionError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &rejectErr):
		return KindRejection
	case errors.As(err, &permErr):
		return KindPermission
	case errors.As(err, &collErr):
		return KindCollision
	case errors.As(err, &transientErr):
		return KindTransient
	case errors.As(err, &connErr):
		return KindConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQLErrorNumber(myErr.Number)
	}
	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		return classifySnowflakeErrorNumber(sfErr.Number, sfErr.SQLState)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

func classifySQLState(code string) ErrorKind {
	switch {
	case code == "42501":
		return KindPermission
	case strings.HasPrefix(code, "28"):
		return KindAuth
	case strings.HasPrefix(code, "08"):
		return KindConnection
	case code == "40001", code == "40P01", code == "57P01", code == "57P03", code == "53300":
		return KindTransient
	default:
		return KindFatal
	}
}

func classifyMySQLErrorNumber(n uint16) ErrorKind {
	switch n {
	case 1044, 1142, 1143, 1227:
		return KindPermission
	case 1045:
		return KindAuth
	case 1040, 1205, 1213, 2006, 2013:
		return KindTransient
	default:
		return KindFatal
	}
}

func classifySnowflakeErrorNumber(n int, sqlState string) ErrorKind {
	switch {
	case n >= 390000 && n < 391000:
		return KindAuth
	case n >= 100000 && n < 101000:
		return KindRejection
	case n >= 260000 && n < 261000, strings.HasPrefix(sqlState, "08"):
		return KindConnection
	case n == 604, n == 630:
		// statement cancelled or timed out on the server
		return KindTransient
	default:
		return KindFatal
	}
}
