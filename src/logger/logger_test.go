package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewWritesJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, "debug")

	l.Debug("test message", "realmID", "123")

	out := buf.String()
	if !strings.Contains(out, `"msg":"test message"`) {
		t.Errorf("expected msg in output, got: %s", out)
	}
	if !strings.Contains(out, `"realmID":"123"`) {
		t.Errorf("expected realmID attribute in output, got: %s", out)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, "warn")

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got: %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	scoped := New(buf, "info").With("runID", "run-1")
	ctx := WithContext(context.Background(), scoped)

	FromContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "run-1") {
		t.Errorf("expected scoped logger to be returned, got: %s", buf.String())
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	if FromContext(context.Background()) != L {
		t.Error("expected global logger when context has none")
	}
}
