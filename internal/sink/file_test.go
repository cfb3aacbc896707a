package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/turnkeeper/pkg/events"
)

func TestFile_AppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	ctx := events.WithSessionID(context.Background(), "s-1")
	for _, ev := range []events.Event{serve, ret, missed} {
		if err := f.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	var recs []Record
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if recs[0].SessionID != "s-1" || recs[0].Event.Type != events.Serve {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].Event.ResponseLatency != ret.ResponseLatency {
		t.Errorf("latency = %v, want %v", recs[1].Event.ResponseLatency, ret.ResponseLatency)
	}
	if recs[2].Event.SilenceDuration != missed.SilenceDuration {
		t.Errorf("silence = %v, want %v", recs[2].Event.SilenceDuration, missed.SilenceDuration)
	}
	if recs[0].Time.IsZero() {
		t.Error("record time not set")
	}
}

func TestFile_ReopenAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	for range 2 {
		f, err := NewFile(path)
		if err != nil {
			t.Fatalf("NewFile: %v", err)
		}
		if err := f.Emit(context.Background(), serve); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestFile_EmitAfterClose(t *testing.T) {
	t.Parallel()

	f, err := NewFile(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	_ = f.Close()
	if err := f.Emit(context.Background(), serve); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNewFile_BadPath(t *testing.T) {
	t.Parallel()

	if _, err := NewFile(filepath.Join(t.TempDir(), "missing", "events.jsonl")); err == nil {
		t.Error("expected error for missing directory")
	}
}
