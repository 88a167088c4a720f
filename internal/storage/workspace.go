package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// DefaultPrefix is the key prefix under which workspaces live.
const DefaultPrefix = "workspaces/"

// ProgressFunc receives human-readable progress lines in emission order.
type ProgressFunc func(msg string)

// Result is the outcome of a successful fetch.
type Result struct {
	Slug    string `json:"slug"`
	Path    string `json:"path"`    // local workspace directory
	Objects int    `json:"objects"` // number of files written; zero for an empty workspace
	Bytes   int64  `json:"bytes"`
}

// Fetcher materializes workspace objects under a local root directory.
// A Fetcher holds no per-call state and may be shared by concurrent sessions.
type Fetcher struct {
	store  ObjectStore
	root   string
	prefix string
}

// NewFetcher creates a Fetcher writing below root. An empty prefix means
// DefaultPrefix.
func NewFetcher(store ObjectStore, root, prefix string) (*Fetcher, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %s: %w", root, err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Fetcher{store: store, root: abs, prefix: prefix}, nil
}

// Root returns the absolute local root directory.
func (f *Fetcher) Root() string {
	return f.root
}

// WorkspaceDir validates slug and returns the local directory it maps to.
func (f *Fetcher) WorkspaceDir(slug string) (string, error) {
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	dir := filepath.Join(f.root, filepath.FromSlash(slug))
	rel, err := filepath.Rel(f.root, dir)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q escapes the workspace root", ErrInvalidSlug, slug)
	}
	return dir, nil
}

// ValidateSlug rejects identifiers that could resolve outside the
// workspace root or that are not a clean relative key path.
func ValidateSlug(slug string) error {
	switch {
	case slug == "":
		return fmt.Errorf("%w: empty", ErrInvalidSlug)
	case strings.ContainsRune(slug, '\\') || strings.IndexFunc(slug, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidSlug, slug)
	case path.Clean(slug) != slug:
		return fmt.Errorf("%w: %q is not a clean path", ErrInvalidSlug, slug)
	case !filepath.IsLocal(filepath.FromSlash(slug)):
		return fmt.Errorf("%w: %q is not a local path", ErrInvalidSlug, slug)
	}
	for _, seg := range strings.Split(slug, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidSlug, slug)
		}
	}
	return nil
}

type plannedObject struct {
	key   string
	rel   string
	local string
	size  int64
}

// Fetch downloads every object under <prefix><slug>/ into <root>/<slug>/,
// mirroring the key structure. progress may be nil. An empty workspace
// is a success with Result.Objects == 0 and nothing written.
func (f *Fetcher) Fetch(ctx context.Context, slug string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	start := time.Now()

	dir, err := f.WorkspaceDir(slug)
	if err != nil {
		return nil, &FetchError{Slug: slug, Op: "validate", Err: err}
	}
	keyPrefix := f.prefix + slug + "/"

	log.Printf("storage: fetching %s%s into %s", f.store.Describe(), keyPrefix, dir)
	progress(fmt.Sprintf("Starting download from %s folder...", strings.TrimSuffix(keyPrefix, "/")))
	progress(fmt.Sprintf("Connecting to %s...", f.store.Describe()))
	progress(fmt.Sprintf("Searching for objects under %s", keyPrefix))

	listed, err := f.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, &FetchError{Slug: slug, Op: "list", Err: err}
	}

	plan, err := f.plan(dir, keyPrefix, listed)
	if err != nil {
		return nil, &FetchError{Slug: slug, Op: "validate", Err: err}
	}

	if len(plan) == 0 {
		log.Printf("storage: no objects found under %s", keyPrefix)
		progress("No objects found in the specified folder.")
		return &Result{Slug: slug, Path: dir}, nil
	}

	progress(fmt.Sprintf("Found %d objects to download", len(plan)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &FetchError{Slug: slug, Op: "write", Err: err}
	}
	progress(fmt.Sprintf("Downloading to: %s", dir))

	res := &Result{Slug: slug, Path: dir}
	for i, obj := range plan {
		progress(fmt.Sprintf("Downloading %s (%d/%d): %s", obj.key, i+1, len(plan), progressBar(i+1, len(plan))))

		n, err := f.download(ctx, obj)
		if err != nil {
			return nil, &FetchError{Slug: slug, Op: opOf(err), Err: err}
		}
		res.Objects++
		res.Bytes += n
		progress(fmt.Sprintf("Downloaded: %s", obj.rel))
	}

	log.Printf("storage: fetched %d objects (%d bytes) for %s in %s", res.Objects, res.Bytes, slug, time.Since(start).Round(time.Millisecond))
	progress(fmt.Sprintf("Download completed! Files saved to: %s", dir))
	return res, nil
}

// plan filters directory markers and resolves every remaining key to a
// local path, failing before anything is written if any key would land
// outside dir.
func (f *Fetcher) plan(dir, keyPrefix string, listed []ObjectInfo) ([]plannedObject, error) {
	var plan []plannedObject
	for _, obj := range listed {
		rel, ok := strings.CutPrefix(obj.Key, keyPrefix)
		if !ok {
			continue
		}
		rel = strings.TrimLeft(rel, "/")
		if isDirectoryMarker(rel, obj.Size) {
			continue
		}
		local := filepath.Join(dir, filepath.FromSlash(rel))
		within, err := filepath.Rel(dir, local)
		if err != nil || !filepath.IsLocal(within) || strings.Contains(rel, "\\") {
			return nil, fmt.Errorf("object key %q resolves outside the workspace", obj.Key)
		}
		plan = append(plan, plannedObject{key: obj.Key, rel: rel, local: local, size: obj.Size})
	}
	return plan, nil
}

// isDirectoryMarker reports whether rel (a key with the workspace prefix
// removed) is a folder placeholder rather than a file.
func isDirectoryMarker(rel string, size int64) bool {
	if rel == "" || strings.HasSuffix(rel, "/") {
		return true
	}
	return size == 0 && strings.Contains(rel, "/") && path.Ext(rel) == ""
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func opOf(err error) string {
	var we *writeError
	if errors.As(err, &we) {
		return "write"
	}
	return "download"
}

func (f *Fetcher) download(ctx context.Context, obj plannedObject) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(obj.local), 0755); err != nil {
		return 0, &writeError{fmt.Errorf("create directory %s: %w", filepath.Dir(obj.local), err)}
	}

	body, err := f.store.Open(ctx, obj.key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.Create(obj.local)
	if err != nil {
		return 0, &writeError{fmt.Errorf("create file %s: %w", obj.local, err)}
	}
	n, err := io.Copy(out, body)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		return n, &writeError{fmt.Errorf("close file %s: %w", obj.local, closeErr)}
	}
	if err != nil {
		return n, fmt.Errorf("read %s: %w", obj.key, err)
	}
	return n, nil
}

// progressBar renders done/total as a 20-cell bar with a percentage.
func progressBar(done, total int) string {
	pct := done * 100 / total
	cells := pct / 5
	return "[" + strings.Repeat("█", cells) + strings.Repeat("░", 20-cells) + fmt.Sprintf("] %d%%", pct)
}
