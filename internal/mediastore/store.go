package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrOutsideRoot = errors.New("resolved path escapes media root")

const tempPattern = ".download-*.part"

// DownloadOptions controls how the remote file is fetched.
type DownloadOptions struct {
	// Credential is the provider bearer token. It is only sent on the retry
	// unless AlwaysAuth is set.
	Credential string
	AlwaysAuth bool
}

// Store owns the media root directory. Files appear under their final name
// only once fully written.
type Store struct {
	root       string
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, timeout time.Duration, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Store{
		root:       abs,
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     logger.With().Str("component", "mediastore").Logger(),
	}, nil
}

// WithHTTPClient swaps the transport, mainly for tests.
func (s *Store) WithHTTPClient(c *http.Client) *Store {
	s.httpClient = c
	return s
}

func (s *Store) Root() string { return s.root }

// ResolvePath joins name onto the root and asserts the result stays inside it.
func (s *Store) ResolvePath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	p := filepath.Clean(filepath.Join(s.root, name))
	if !strings.HasPrefix(p, s.root+string(os.PathSeparator)) {
		return "", ErrOutsideRoot
	}
	return p, nil
}

// Exists reports whether a fully written file with this name is present.
func (s *Store) Exists(name string) bool {
	p, err := s.ResolvePath(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Open returns the file and its metadata. The caller closes the file.
func (s *Store) Open(name string) (*os.File, os.FileInfo, error) {
	p, err := s.ResolvePath(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, os.ErrNotExist
	}
	return f, info, nil
}

// Remove deletes a stored file. A missing file is not an error.
func (s *Store) Remove(name string) error {
	p, err := s.ResolvePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Download fetches rawURL into the store under name and returns the name.
// On any failure no file with that name is left behind and "" is returned.
func (s *Store) Download(ctx context.Context, rawURL, name string, opts DownloadOptions) (string, error) {
	kind, err := KindFromName(name)
	if err != nil || !IsSafeName(kind, name) {
		return "", ErrInvalidName
	}
	final, err := s.ResolvePath(name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.fetch(ctx, rawURL, final, opts.AlwaysAuth, opts.Credential)
	if err != nil && !opts.AlwaysAuth && opts.Credential != "" && ctx.Err() == nil {
		s.logger.Debug().Str("file", name).Err(err).Msg("anonymous download failed, retrying with credential")
		err = s.fetch(ctx, rawURL, final, true, opts.Credential)
	}
	if err != nil {
		s.logger.Warn().Str("file", name).Err(err).Msg("download failed")
		return "", err
	}

	s.logger.Info().Str("file", name).Msg("download complete")
	return name, nil
}

func (s *Store) fetch(ctx context.Context, rawURL, final string, withAuth bool, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if withAuth && credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.root, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		committed = true
		return fmt.Errorf("rename: %w", err)
	}
	committed = true
	return nil
}

// Write stores r under name atomically. Used for locally produced files.
func (s *Store) Write(name string, r io.Reader) error {
	kind, err := KindFromName(name)
	if err != nil || !IsSafeName(kind, name) {
		return ErrInvalidName
	}
	final, err := s.ResolvePath(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, tempPattern)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
