package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

const dataHomeEnv = "MLDEPLOY_DATA"

// DefaultDataHome is $MLDEPLOY_DATA, falling back to ~/mldeploy_data.
func DefaultDataHome() string {
	if dir := os.Getenv(dataHomeEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mldeploy_data"
	}
	return filepath.Join(home, "mldeploy_data")
}

// Fetcher downloads remote dataset files once and serves them from a local
// cache directory afterwards.
type Fetcher struct {
	DataHome string
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
	logger   *zap.Logger
}

func NewFetcher(dataHome string, logger *zap.Logger) *Fetcher {
	if dataHome == "" {
		dataHome = DefaultDataHome()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		DataHome: dataHome,
		Client:   &http.Client{Timeout: 5 * time.Minute},
		Attempts: 3,
		Delay:    time.Second,
		logger:   logger,
	}
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.code)
}

// Fetch returns the cached path of name, downloading url into the data home
// on first use.
func (f *Fetcher) Fetch(ctx context.Context, name, url string) (string, error) {
	path := filepath.Join(f.DataHome, name)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f.logger.Debug("using cached dataset", zap.String("path", path))
		return path, nil
	}
	if err := os.MkdirAll(f.DataHome, 0o755); err != nil {
		return "", fmt.Errorf("create data home: %w", err)
	}

	f.logger.Info("downloading dataset", zap.String("url", url), zap.String("path", path))
	err := retry.Do(
		func() error {
			return f.download(ctx, url, path)
		},
		retry.Context(ctx),
		retry.Attempts(f.Attempts),
		retry.Delay(f.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn("dataset download failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", name, err)
	}
	return path, nil
}

// Open is Fetch followed by os.Open.
func (f *Fetcher) Open(ctx context.Context, name, url string) (*os.File, error) {
	path, err := f.Fetch(ctx, name, url)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (f *Fetcher) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{url: url, code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}
