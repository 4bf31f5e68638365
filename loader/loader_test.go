package loader

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dop251/goja_nodejs/require"
	"golang.org/x/net/html"
)

func TestParseBase(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"http", "https://example.com/lib", "https://example.com/lib/"},
		{"http slash", "https://example.com/lib/", "https://example.com/lib/"},
		{"file url", "file:///srv/modules", "file:///srv/modules/"},
		{"dir", dir, "file://" + filepath.ToSlash(dir) + "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := parseBase(tt.in)
			if err != nil {
				t.Fatalf("parseBase(%q) error = %v", tt.in, err)
			}
			if got := u.String(); got != tt.want {
				t.Errorf("parseBase(%q) = %q, expected %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "math.js"), []byte("exports.one = 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "pkg"), 0o700); err != nil {
		t.Fatal(err)
	}

	l, err := New(Config{Base: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer l.Close()

	tests := []struct {
		name    string
		path    string
		want    string
		missing bool
	}{
		{"plain", "math.js", "exports.one = 1;", false},
		{"absolute", "/math.js", "exports.one = 1;", false},
		{"escape", "../../math.js", "exports.one = 1;", false},
		{"missing", "nope.js", "", true},
		{"directory", "pkg", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := l.Load(tt.path)
			if tt.missing {
				if !errors.Is(err, require.ModuleFileDoesNotExistError) {
					t.Fatalf("Load(%q) error = %v, expected ModuleFileDoesNotExistError", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load(%q) error = %v", tt.path, err)
			}
			if string(data) != tt.want {
				t.Errorf("Load(%q) = %q, expected %q", tt.path, data, tt.want)
			}
		})
	}
}

func newServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/lib/util.js", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("exports.util = true;"))
	})
	mux.HandleFunc("/lib/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><link rel="stylesheet" href="x.css"><link rel="module" href="util.js"></head></html>`))
	})
	mux.HandleFunc("/lib/bare", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>nothing</body></html>`))
	})
	mux.HandleFunc("/lib/broken.js", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadRemote(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)

	l, err := New(Config{Base: srv.URL + "/lib"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer l.Close()

	data, err := l.Load("util.js")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(data) != "exports.util = true;" {
		t.Errorf("Load() = %q", data)
	}

	data, err = l.Load("page")
	if err != nil {
		t.Fatalf("Load(page) error = %v", err)
	}
	if string(data) != "exports.util = true;" {
		t.Errorf("Load(page) = %q, expected the linked module", data)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, expected the second fetch to be cached", n)
	}

	if _, err := l.Load("missing.js"); !errors.Is(err, require.ModuleFileDoesNotExistError) {
		t.Errorf("Load(missing.js) error = %v, expected ModuleFileDoesNotExistError", err)
	}
	if _, err := l.Load("bare"); err == nil || !strings.Contains(err.Error(), "no <link") {
		t.Errorf("Load(bare) error = %v, expected missing link error", err)
	}
	if _, err := l.Load("broken.js"); err == nil || errors.Is(err, require.ModuleFileDoesNotExistError) {
		t.Errorf("Load(broken.js) error = %v, expected a fetch error", err)
	}
}

func TestLoadRemoteBoltCache(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	cacheDir := t.TempDir()

	for i := 0; i < 2; i++ {
		l, err := New(Config{Base: srv.URL + "/lib/", CacheDir: cacheDir})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, err := l.Load("util.js"); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, expected the cache to survive reopening", n)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "modules.db")); err != nil {
		t.Errorf("cache database missing: %v", err)
	}
}

func TestFindModuleLink(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"head", `<link rel="module" href="a.js">`, "a.js"},
		{"nested", `<div><p><link href="b.js" rel="module"></p></div>`, "b.js"},
		{"other rel", `<link rel="icon" href="c.png">`, ""},
		{"no href", `<link rel="module">`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := html.Parse(strings.NewReader(tt.doc))
			if err != nil {
				t.Fatal(err)
			}
			if got := findModuleLink(node); got != tt.want {
				t.Errorf("findModuleLink() = %q, expected %q", got, tt.want)
			}
		})
	}
}
