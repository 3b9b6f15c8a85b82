package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/datallboy/fetchq/internal/infra/config"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestBuildWiresHistoryAndArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 256)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	folder := filepath.Join(dir, "downloads")
	cfg := loadConfig(t, fmt.Sprintf(`
download:
  method: queue
  folder: %s
store:
  sqlite_path: %s
archive:
  bucket_url: "mem://"
  remove_local: true
`, folder, filepath.Join(dir, "history.db")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	appCtx, err := Build(ctx, cfg, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer appCtx.Close()

	if appCtx.History == nil {
		t.Fatal("history store not wired")
	}

	if err := appCtx.Manager.Download(ctx, srv.URL+"/one.bin"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := appCtx.Manager.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := os.Stat(filepath.Join(folder, "one.bin")); !os.IsNotExist(err) {
		t.Errorf("local copy still present after archiving: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, err := appCtx.History.History(ctx, 10)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(rows) == 1 {
			if rows[0].Status != "completed" || rows[0].FileName != "one.bin" {
				t.Errorf("history row = %+v", rows[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history rows = %d, want 1", len(rows))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBuildWithoutOptionalParts(t *testing.T) {
	cfg := loadConfig(t, fmt.Sprintf("download:\n  method: simple\n  folder: %s\n", t.TempDir()))

	appCtx, err := Build(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if appCtx.History != nil {
		t.Error("history wired without a sqlite path")
	}

	appCtx.Close()
	if err := appCtx.Manager.Download(context.Background(), "http://example.com/a"); err == nil {
		t.Error("download accepted after Close")
	}
}

func TestBuildRejectsBadBucket(t *testing.T) {
	cfg := loadConfig(t, "archive:\n  bucket_url: \"nosuchscheme://bucket\"\n")

	if _, err := Build(context.Background(), cfg, logger.Nop(), nil); err == nil {
		t.Error("Build accepted an unknown bucket scheme")
	}
}
