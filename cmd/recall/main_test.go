package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/store"
)

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-abcdefghijklmnop", "sk-a...mnop"},
	}

	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay(\"\") = %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("providerDisplay(openai) = %q", got)
	}
}

func TestRunOnboard(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RECALL_DATA_DIR", "")

	var buf bytes.Buffer
	if err := runOnboard(&buf); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Errorf("config not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(config.ConfigDir(), "data")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
	if !strings.Contains(buf.String(), "Created config") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	if err := runOnboard(&buf); err != nil {
		t.Fatalf("second runOnboard error: %v", err)
	}
	if !strings.Contains(buf.String(), "already exists") {
		t.Errorf("second run output = %q", buf.String())
	}
}

func TestRunStatus(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("RECALL_API_KEY", "sk-abcdefghijklmnop")
	t.Setenv("RECALL_DATA_DIR", filepath.Join(tmpDir, "data"))
	t.Setenv("RECALL_REMOTE_DSN", "")
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	if err := runStatus(&buf); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Model: ") {
		t.Error("missing model line")
	}
	if !strings.Contains(out, "API Key: sk-a...mnop") {
		t.Errorf("key not masked: %q", out)
	}
	if !strings.Contains(out, "local-only") {
		t.Errorf("missing storage mode: %q", out)
	}
	if !strings.Contains(out, "Local accounts: 0") {
		t.Errorf("missing account count: %q", out)
	}
}

func TestRunResetMemory(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")
	t.Setenv("HOME", tmpDir)
	t.Setenv("RECALL_DATA_DIR", dataDir)

	local, err := store.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx := context.Background()
	for _, tier := range []store.Tier{store.TierShortTerm, store.TierWholeHistory} {
		if err := local.Append(ctx, 5, tier, store.Message{
			Role:      store.RoleUser,
			Content:   "hello",
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := runResetMemory(&buf, "5"); err != nil {
		t.Fatalf("runResetMemory error: %v", err)
	}
	if !strings.Contains(buf.String(), "chat 5") {
		t.Errorf("output = %q", buf.String())
	}

	for _, tier := range []store.Tier{store.TierShortTerm, store.TierWholeHistory} {
		msgs, err := local.Read(ctx, 5, tier, 0)
		if err != nil {
			t.Fatalf("read %s: %v", tier, err)
		}
		if len(msgs) != 0 {
			t.Errorf("%s len = %d after reset, want 0", tier, len(msgs))
		}
	}
}

func TestRunResetMemory_Validation(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("RECALL_DATA_DIR", filepath.Join(tmpDir, "data"))

	var buf bytes.Buffer
	if err := runResetMemory(&buf, ""); err == nil {
		t.Error("expected error without --chat")
	}
	if err := runResetMemory(&buf, "abc"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}
