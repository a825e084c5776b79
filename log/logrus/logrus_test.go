package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/unkn0wn-root/syncache"
)

func TestLogrusLogger_Levels(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Debug("d", nil)
	l.Info("i", nil)
	l.Warn("w", syncache.Fields{"attempt": 2})
	l.Error("e", nil)

	entries := hook.AllEntries()
	if len(entries) != 4 {
		t.Fatalf("entries=%d want 4", len(entries))
	}
	wantLevels := []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Fatalf("entry %d level=%v want %v", i, e.Level, wantLevels[i])
		}
	}
	if entries[2].Data["attempt"] != 2 {
		t.Fatalf("attempt=%v", entries[2].Data["attempt"])
	}
}

func TestLogrusLogger_WithCarriesFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := New(base).With(syncache.Fields{"key": "tasks"})

	l.Info("read", syncache.Fields{"stale": true})

	e := hook.LastEntry()
	if e == nil {
		t.Fatal("no entry")
	}
	if e.Data["key"] != "tasks" || e.Data["stale"] != true {
		t.Fatalf("data=%v", e.Data)
	}
}
