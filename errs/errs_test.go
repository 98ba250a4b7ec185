package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOpAndMetadata(t *testing.T) {
	err := New(
		"session",
		CodeServer,
		WithOp("account_state"),
		WithMessage("gateway not connected"),
		WithRawMessage("IB gateway unavailable"),
		WithField("id", "req-123"),
		WithField("endpoint", "/ws"),
		WithCause(errors.New("upstream 503")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=session") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=server_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "op=account_state") {
		t.Fatalf("expected op in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/ws\",id=\"req-123\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"upstream 503\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("router", CodeMalformed, WithField("  ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
	if strings.Contains(err.Error(), "meta=") {
		t.Fatalf("meta marker should be omitted when empty: %s", err.Error())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New("session", CodeTimeout)
	err := fmt.Errorf("snapshot: %w", New("session", CodeTimeout, WithOp("account_state")))

	if !errors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match sentinel by code")
	}
	if errors.Is(err, New("session", CodeDisconnected)) {
		t.Fatalf("expected different code not to match")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("broken pipe")
	err := New("session", CodeTransport, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New("ledger", CodeUnavailable))
	if got := CodeOf(err); got != CodeUnavailable {
		t.Fatalf("expected %q, got %q", CodeUnavailable, got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
	var nilErr *E
	if nilErr.Error() != "<nil>" {
		t.Fatalf("expected nil envelope to render <nil>")
	}
}
