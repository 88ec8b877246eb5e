package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/supervisr/internal/logger"
)

func logsRouter(t *testing.T, dir string) http.Handler {
	t.Helper()
	h, _ := setupRouter(t, "/api", WithLogs(func(string) logger.FileConfig { return logger.FileConfig{Dir: dir} }))
	rec := doReq(t, h, http.MethodPost, "/api/services", AddRequest{ID: 5, Name: "web", Command: "sleep 30", Active: inactive()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	return h
}

func TestLogsDisabled(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	if rec := doReq(t, h, http.MethodGet, "/api/services/web/logs", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("logs without files: %d", rec.Code)
	}
}

func TestLogsListAndTail(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "web.stdout-2024-01-01T00-00-00.000.log"), []byte("1\n2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "web.stdout.log"), []byte("3\n4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := logsRouter(t, dir)

	rec := doReq(t, h, http.MethodGet, "/api/services/5/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	files := decode[[]logger.LogFile](t, rec)
	if len(files) != 2 || !files[1].Current || files[0].Stream != logger.Stdout {
		t.Fatalf("files: %+v", files)
	}

	rec = doReq(t, h, http.MethodGet, "/api/services/web/logs?tail=3", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "2\n3\n4\n" {
		t.Fatalf("tail: %d %q", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, "/api/services/web/logs?tail=5&stream=stderr", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "" {
		t.Fatalf("empty stderr: %d %q", rec.Code, rec.Body.String())
	}

	for _, q := range []string{"tail=-1", "tail=x", "stream=stdin&tail=1", "follow=maybe"} {
		if rec = doReq(t, h, http.MethodGet, "/api/services/web/logs?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: %d", q, rec.Code)
		}
	}
	if rec = doReq(t, h, http.MethodGet, "/api/services/99/logs", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", rec.Code)
	}
}

func TestLogsFollow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.stdout.log")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(logsRouter(t, dir))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/services/web/logs?tail=1&follow=true", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)
	if line, err := r.ReadString('\n'); err != nil || line != "first\n" {
		t.Fatalf("tail line %q: %v", line, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	_, _ = f.WriteString("second\n")
	if line, err := r.ReadString('\n'); err != nil || line != "second\n" {
		t.Fatalf("followed line %q: %v", line, err)
	}
}
