package archive

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marketpulse/ingestcore/internal/ring"
)

func TestFlusher_DrainsRingAndWritesManifestOnShutdown(t *testing.T) {
	dir := t.TempDir()
	rb := ring.New(1<<16, ring.OverwriteOldest)
	rb.TryWrite([]byte(`{"type":"trade","ticker":"A"}`))
	rb.TryWrite([]byte(`{"type":"trade","ticker":"B"}`))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFlusher(log, rb, dir, "kalshi", "politics", "2026-02-14", "15m", 15, 64, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	<-done

	manifestPath := filepath.Join(dir, "kalshi", "politics", "2026-02-14", "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("expected 1 archive file in manifest, got %d", len(m.Files))
	}
	if m.Files[0].Records != 2 {
		t.Fatalf("expected 2 records archived, got %d", m.Files[0].Records)
	}
}
