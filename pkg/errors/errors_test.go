package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		exitCode  int
	}{
		{code: CodeSourceUnavailable, retryable: true, exitCode: 1},
		{code: CodeMalformedSource, exitCode: 1},
		{code: CodePersistence, exitCode: 1},
		{code: CodeTransientPersistence, retryable: true, exitCode: 1},
		{code: CodeConfig, exitCode: 2},
		{code: CodeBootstrap, retryable: true, exitCode: 2},
		{code: CodeInternal, exitCode: 1},
		{code: CodeDependency, retryable: true, exitCode: 1},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.ExitCode != tt.exitCode {
			t.Fatalf("code %s expected exit code %d got %d", tt.code, tt.exitCode, meta.ExitCode)
		}
		if meta.PublicMessage == "" {
			t.Fatalf("code %s has no public message", tt.code)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta != MetadataFor(CodeInternal) {
		t.Fatalf("expected internal metadata, got %+v", meta)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeMalformedSource, "missing title")
	if base.Code() != CodeMalformedSource {
		t.Fatalf("expected malformed source code, got %s", base.Code())
	}
	if base.Message() != "missing title" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	detail := map[string]any{"field": "title"}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodePersistence, cause, "upsert products")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Error() != "PERSISTENCE_ERROR: upsert products: boom" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := fmt.Errorf("stage: %w", New(CodeSourceUnavailable, "products"))
	if got := As(err); got == nil || got.Code() != CodeSourceUnavailable {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestIsCodeWalksTypedChain(t *testing.T) {
	transient := New(CodeTransientPersistence, "connection reset")
	escalated := Wrap(CodePersistence, transient, "retries exhausted")

	if !IsCode(escalated, CodeTransientPersistence) {
		t.Fatal("expected nested transient code to be found")
	}
	if !IsCode(escalated, CodePersistence) {
		t.Fatal("expected outer code to be found")
	}
	if IsCode(escalated, CodeSourceUnavailable) {
		t.Fatal("unexpected code match")
	}
	if IsRetryable(escalated) {
		t.Fatal("escalated error must not be retryable")
	}
	if !IsRetryable(transient) {
		t.Fatal("transient error must be retryable")
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatal("nil error must exit 0")
	}
	if ExitCode(New(CodeConfig, "bad")) != 2 {
		t.Fatal("config errors exit 2")
	}
	if ExitCode(Wrap(CodeBootstrap, stdErrors.New("dial tcp"), "database")) != 2 {
		t.Fatal("bootstrap errors exit 2")
	}
	if ExitCode(stdErrors.New("plain")) != 1 {
		t.Fatal("untyped errors exit 1")
	}
	stage := fmt.Errorf("fetching: %w", New(CodeSourceUnavailable, "gave up"))
	if ExitCode(stage) != 1 {
		t.Fatal("run failures exit 1")
	}
}

func TestPublicMessage(t *testing.T) {
	if PublicMessage(nil) != "" {
		t.Fatal("nil error has no public message")
	}
	err := fmt.Errorf("loading: %w", Wrap(CodePersistence, stdErrors.New("pq: password=secret"), "upsert"))
	if got := PublicMessage(err); got != "persistence failed" {
		t.Fatalf("unexpected public message %q", got)
	}
	if got := PublicMessage(stdErrors.New("plain")); got != "internal error" {
		t.Fatalf("untyped errors fall back to internal, got %q", got)
	}
}

func TestDumpIncludesChainAndCode(t *testing.T) {
	err := Wrap(CodeTransientPersistence, stdErrors.New("conn reset"), "upsert chunk 3").
		WithDetails(map[string]any{"chunk": 3})
	dump := Dump(fmt.Errorf("loading: %w", err))
	if dump.Code != CodeTransientPersistence {
		t.Fatalf("expected transient code, got %s", dump.Code)
	}
	if !dump.Retryable {
		t.Fatal("expected retryable flag")
	}
	if len(dump.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d: %v", len(dump.Chain), dump.Chain)
	}
	if dump.Details == nil {
		t.Fatal("expected details to be carried")
	}
}

func TestDumpCarriesPostgresFields(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "21000", Message: "ON CONFLICT DO UPDATE command cannot affect row a second time", TableName: "products"}
	dump := Dump(Wrap(CodePersistence, fmt.Errorf("upsert products: %w", pgErr), "products chunk 0"))
	if dump.Postgres == nil {
		t.Fatal("expected postgres fields")
	}
	if dump.Postgres.Code != "21000" || dump.Postgres.Table != "products" {
		t.Fatalf("unexpected postgres dump %+v", dump.Postgres)
	}
	if dump.Reason != "persistence failed" {
		t.Fatalf("unexpected reason %q", dump.Reason)
	}
	if Dump(stdErrors.New("plain")).Postgres != nil {
		t.Fatal("plain errors carry no postgres fields")
	}
}
