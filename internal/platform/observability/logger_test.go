package observability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(core))

	log(context.Background(), "orders.mark_paid", map[string]any{"order_id": "ord_1", "amount": int64(7000)})
	log(context.Background(), "orders.actions_failed", map[string]any{"order_id": "ord_1", "error": errors.New("boom\nnext")})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "orders.mark_paid" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[0].ContextMap()["order_id"] != "ord_1" {
		t.Fatalf("expected order_id field, got %v", entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level for error entry, got %s", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boomnext" {
		t.Fatalf("expected sanitized error, got %q", got)
	}
}

func TestEventLoggerPrefersContextLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	scopedCore, scopedLogs := observer.New(zapcore.InfoLevel)

	ctx := WithLogger(context.Background(), zap.New(scopedCore).With(zap.String("worker", "relay")))
	EventLogger(zap.New(baseCore))(ctx, "outbox.published", nil)

	if baseLogs.Len() != 0 {
		t.Fatalf("expected base logger to be bypassed")
	}
	if scopedLogs.Len() != 1 || scopedLogs.All()[0].ContextMap()["worker"] != "relay" {
		t.Fatalf("expected scoped entry, got %+v", scopedLogs.All())
	}
}

func TestSanitizeFieldLimitsLength(t *testing.T) {
	long := strings.Repeat("a", defaultFieldLimit+10)
	if got := SanitizeField(long); len(got) != defaultFieldLimit {
		t.Fatalf("expected %d characters, got %d", defaultFieldLimit, len(got))
	}
	if got := SanitizeField("a\x00b\tc"); got != "ab\tc" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
}

func TestFromContextDefaultsToNoop(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatalf("expected non-nil logger")
	}
}
