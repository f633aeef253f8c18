package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// LockFileName is written next to fetched files.
const LockFileName = "fetch-manifest.lock.json"

// DefaultParallel is the number of files fetched at once when
// FetchOptions.Parallel is zero.
const DefaultParallel = 2

// FetchOptions configures Fetch.
type FetchOptions struct {
	Manifest Manifest
	OutDir   string
	Token    string
	Client   *http.Client
	Stdout   io.Writer
	Parallel int
}

// ErrAccessDenied is returned when the server rejects the credentials.
type ErrAccessDenied struct {
	URL string
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("access denied for %s; provide a token with --token", e.URL)
}

// ErrChecksumMismatch is returned when a downloaded file does not match its
// pinned digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

type lockManifest struct {
	Name      string                `json:"name"`
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// fetcher carries the state shared by concurrent file downloads.
type fetcher struct {
	opts FetchOptions

	mu   sync.Mutex
	lock lockManifest
	out  io.Writer
}

// Fetch downloads every manifest file into OutDir, skipping files whose
// checksum already matches, and writes a lock file pinning each digest. Up
// to Parallel files are fetched at once; the first failure cancels the rest
// and no lock file is written.
func Fetch(ctx context.Context, opts FetchOptions) error {
	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return err
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Parallel < 1 {
		opts.Parallel = DefaultParallel
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	lockPath := filepath.Join(opts.OutDir, LockFileName)
	f := &fetcher{opts: opts, lock: readLockManifest(lockPath), out: opts.Stdout}
	f.lock.Name = opts.Manifest.Name

	p := pool.New().
		WithMaxGoroutines(opts.Parallel).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, file := range opts.Manifest.Files {
		p.Go(func(ctx context.Context) error {
			return f.fetch(ctx, file)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	f.lock.Generated = time.Now().UTC().Format(time.RFC3339)
	if err := writeLockManifest(lockPath, f.lock); err != nil {
		return err
	}
	f.printf("wrote lock manifest: %s\n", lockPath)

	return nil
}

func (f *fetcher) fetch(ctx context.Context, file ModelFile) error {
	expected := f.expectedDigest(file)

	localPath := filepath.Join(f.opts.OutDir, filepath.FromSlash(file.Filename))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local subdir: %w", err)
	}

	if expected != "" {
		ok, err := existingMatches(localPath, expected)
		if err != nil {
			return err
		}
		if ok {
			f.printf("skip %s (checksum match)\n", file.Filename)
			f.record(file, expected)
			return nil
		}
	}

	f.printf("download %s -> %s\n", file.URL, localPath)
	actual, err := f.download(ctx, file, localPath, expected)
	if err != nil {
		return err
	}

	f.printf("verified %s (sha256=%s)\n", file.Filename, actual)
	f.record(file, actual)

	return nil
}

// expectedDigest is the manifest digest, or the one pinned by an earlier
// fetch of the same URL.
func (f *fetcher) expectedDigest(file ModelFile) string {
	if file.SHA256 != "" {
		return strings.ToLower(file.SHA256)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if lr, ok := f.lock.Files[file.Filename]; ok && lr.URL == file.URL && isSHA256Hex(lr.SHA256) {
		return strings.ToLower(lr.SHA256)
	}

	return ""
}

func (f *fetcher) record(file ModelFile, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lock.Files[file.Filename] = lockRecord{URL: file.URL, SHA256: digest}
}

func (f *fetcher) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, _ = fmt.Fprintf(f.out, format, args...)
}

// download streams file into outPath through a temp file and returns its
// digest. The temp file is only moved into place when the digest matches
// expected (or expected is empty).
func (f *fetcher) download(ctx context.Context, file ModelFile, outPath, expected string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if f.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.Token)
	}

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", file.Filename, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &ErrAccessDenied{URL: file.URL}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("download failed for %s: %s", file.Filename, resp.Status)
	}

	tmp := outPath + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	pw := &progressWriter{name: file.Filename, total: resp.ContentLength, printf: f.printf, every: 700 * time.Millisecond}
	_, copyErr := io.Copy(io.MultiWriter(fh, h, pw), resp.Body)
	closeErr := fh.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", file.Filename, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if expected != "" && actual != expected {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w for %s: expected %s got %s", ErrChecksumMismatch, file.Filename, expected, actual)
	}

	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return actual, nil
}

// progressWriter counts bytes and reports at most once per interval.
type progressWriter struct {
	name    string
	total   int64
	written int64
	every   time.Duration
	last    time.Time
	printf  func(string, ...any)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))

	now := time.Now()
	if p.last.IsZero() {
		p.last = now
		return len(b), nil
	}
	if now.Sub(p.last) < p.every {
		return len(b), nil
	}
	p.last = now

	if p.total > 0 {
		p.printf("  %s: %.1f%% (%d/%d bytes)\n", p.name, float64(p.written)*100/float64(p.total), p.written, p.total)
	} else {
		p.printf("  %s: %d bytes\n", p.name, p.written)
	}

	return len(b), nil
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing file: %w", err)
	}
	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}

	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}

	return actual == expected, nil
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readLockManifest(path string) lockManifest {
	out := lockManifest{Files: map[string]lockRecord{}}

	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil || out.Files == nil {
		return lockManifest{Files: map[string]lockRecord{}}
	}

	return out
}

func writeLockManifest(path string, lock lockManifest) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write lock manifest: %w", err)
	}

	return nil
}
