package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHelpersWriteToInstalledLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Set(zap.New(core))
	defer Set(nil)

	Infof("session %s subscribed", "okx-private")
	Warnf("precision lookup failed for %s", "BTCUSDT")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "session okx-private subscribed" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
	if entries[1].Level != zap.WarnLevel {
		t.Errorf("expected warn level, got %v", entries[1].Level)
	}
}

func TestNopBeforeInit(t *testing.T) {
	Set(nil)
	// must not panic
	Errorf("nothing configured %d", 1)
}
