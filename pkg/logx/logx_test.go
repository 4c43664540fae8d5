package logx

import (
	"testing"
)

func TestRingBufferKeepsRecentEntries(t *testing.T) {
	logger := NewLogger("test-component")
	logger.Info("first message")
	logger.Warn("second message")

	entries := RecentEntries(2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "first message" || entries[0].Level != "INFO" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Component != "test-component" {
		t.Errorf("expected component tag, got %q", entries[1].Component)
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	SetDebug(false)
	before := len(RecentEntries(0))
	NewLogger("quiet").Debug("should not appear")
	if got := len(RecentEntries(0)); got != before {
		t.Errorf("debug entry recorded while debug disabled")
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	SetDebug(true)
	SetDebugDomains([]string{"scheduler"})
	defer func() {
		SetDebug(false)
		SetDebugDomains(nil)
	}()

	before := len(RecentEntries(0))
	Debugd("watcher", "filtered out")
	if got := len(RecentEntries(0)); got != before {
		t.Errorf("entry from disabled domain recorded")
	}

	Debugd("scheduler", "recorded")
	entries := RecentEntries(1)
	if len(entries) != 1 || entries[0].Message != "recorded" {
		t.Errorf("expected scheduler entry, got %+v", entries)
	}
}

func TestWrapNilError(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) should return nil, got %v", err)
	}
}
