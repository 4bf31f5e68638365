// Package loader resolves CommonJS module sources for require() from a base
// directory or a base URL. Remote sources go through an HTTP cache, kept in
// memory or in a bolt database when a cache directory is configured.
package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/birkelund/boltdbcache"
	"github.com/dop251/goja_nodejs/require"
	"github.com/gregjones/httpcache"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// LinkRel is the rel value of the <link> element an HTML page uses to point
// at the module source it stands for.
const LinkRel = "module"

// maxRedirects bounds the number of HTML pages followed for one module.
const maxRedirects = 8

// Config configures a Loader.
type Config struct {
	// Base is a directory path or an http(s)/file URL module paths are
	// resolved against. Defaults to the working directory.
	Base string

	// CacheDir, if set, keeps fetched modules in a bolt database inside it.
	// Otherwise the HTTP cache lives in memory.
	CacheDir string

	// Transport is the underlying round tripper for remote modules.
	// Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	Logger *zap.Logger
}

// Loader fetches module sources. Load has the signature of
// require.SourceLoader.
type Loader struct {
	base   *url.URL
	db     *bbolt.DB
	client *http.Client
	logger *zap.Logger
}

// New creates a loader for cfg.
func New(cfg Config) (*Loader, error) {
	base, err := parseBase(cfg.Base)
	if err != nil {
		return nil, err
	}

	l := &Loader{base: base, logger: cfg.Logger}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}

	var cache httpcache.Cache
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		db, err := bbolt.Open(filepath.Join(cfg.CacheDir, "modules.db"), 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache database: %w", err)
		}
		c, err := boltdbcache.NewWithDB(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		l.db = db
		cache = c
	} else {
		cache = httpcache.NewMemoryCache()
	}

	transport := &httpcache.Transport{Transport: cfg.Transport, Cache: cache, MarkCachedResponses: true}
	l.client = transport.Client()
	return l, nil
}

func parseBase(base string) (*url.URL, error) {
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		base = wd
	}
	if u, err := url.Parse(base); err == nil && (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "file") {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		return u, nil
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs) + "/"}, nil
}

// Base returns the URL module paths are resolved against.
func (l *Loader) Base() string {
	return l.base.String()
}

// Load returns the source of the module at p. Missing modules are reported
// as require.ModuleFileDoesNotExistError so require() keeps probing.
func (l *Loader) Load(p string) ([]byte, error) {
	ref, err := url.Parse(strings.TrimPrefix(path.Clean("/"+p), "/"))
	if err != nil {
		return nil, err
	}
	return l.fetch(l.base.ResolveReference(ref), 0)
}

func (l *Loader) fetch(u *url.URL, depth int) ([]byte, error) {
	switch u.Scheme {
	case "http", "https":
		return l.fetchRemote(u, depth)
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		return readFile(filepath.FromSlash(p))
	default:
		return nil, fmt.Errorf("fetching %q not supported", u)
	}
}

func readFile(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, require.ModuleFileDoesNotExistError
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, require.ModuleFileDoesNotExistError
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", p, err)
	}
	return data, nil
}

func (l *Loader) fetchRemote(u *url.URL, depth int) ([]byte, error) {
	if depth > maxRedirects {
		return nil, fmt.Errorf("too many module links at %v", u)
	}
	resp, err := l.client.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, require.ModuleFileDoesNotExistError
	default:
		return nil, fmt.Errorf("fetch %q: %s", u, resp.Status)
	}

	l.logger.Debug("module fetched",
		zap.Stringer("url", u),
		zap.Bool("cached", resp.Header.Get(httpcache.XFromCache) != ""))

	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && mt == "text/html" {
		node, err := html.Parse(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", u, err)
		}
		link := findModuleLink(node)
		if link == "" {
			return nil, fmt.Errorf("no <link rel=%q href=\"...\"> at %v", LinkRel, u)
		}
		lu, err := url.Parse(link)
		if err != nil {
			return nil, fmt.Errorf("parse link %q: %w", link, err)
		}
		return l.fetch(u.ResolveReference(lu), depth+1)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", u, err)
	}
	return data, nil
}

func findModuleLink(node *html.Node) string {
	if node.Type == html.ElementNode && node.Data == "link" {
		var rel, href string
		for _, attr := range node.Attr {
			switch attr.Key {
			case "rel":
				rel = attr.Val
			case "href":
				href = attr.Val
			}
		}
		if rel == LinkRel && href != "" {
			return href
		}
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if link := findModuleLink(c); link != "" {
			return link
		}
	}
	return ""
}

// Close releases the cache database, if any.
func (l *Loader) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
