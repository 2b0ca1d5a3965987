package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotText is returned when a source does not decode as UTF-8 text.
var ErrNotText = errors.New("rag: source is not UTF-8 text")

// Extractor loads the raw text of a document.
type Extractor interface {
	// Extract returns the text found at path.
	Extract(ctx context.Context, path string) (string, error)
}

// FileExtractor reads UTF-8 text files from the local filesystem. Binary
// formats (PDF, HTML rendering, office documents) are not interpreted.
type FileExtractor struct {
	// MaxBytes rejects files larger than this. Zero means unlimited.
	MaxBytes int64
}

// Extract reads path and validates that it is UTF-8 text.
func (e FileExtractor) Extract(_ context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("rag: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("rag: %s is a directory", path)
	}
	if e.MaxBytes > 0 && info.Size() > e.MaxBytes {
		return "", fmt.Errorf("rag: %s is %d bytes, limit is %d", path, info.Size(), e.MaxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("rag: read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s", ErrNotText, path)
	}
	return string(data), nil
}

// HTTPExtractor fetches http(s) URLs and returns the response body as text.
type HTTPExtractor struct {
	// Client is the HTTP client used for fetching. Defaults to a 30s timeout.
	Client *http.Client
	// UserAgent is sent with every request.
	UserAgent string
	// MaxBytes rejects bodies larger than this. Zero means unlimited.
	MaxBytes int64
}

// Extract fetches url and validates that the body is UTF-8 text.
func (e HTTPExtractor) Extract(ctx context.Context, url string) (string, error) {
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("rag: creating request: %w", err)
	}
	if e.UserAgent != "" {
		req.Header.Set("User-Agent", e.UserAgent)
	}
	req.Header.Set("Accept", "text/plain, text/markdown, text/html")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("rag: http get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rag: unexpected status %d for %s", resp.StatusCode, url)
	}

	var src io.Reader = resp.Body
	if e.MaxBytes > 0 {
		src = io.LimitReader(resp.Body, e.MaxBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("rag: reading body of %s: %w", url, err)
	}
	if e.MaxBytes > 0 && int64(len(body)) > e.MaxBytes {
		return "", fmt.Errorf("rag: %s exceeds %d bytes", url, e.MaxBytes)
	}
	if !utf8.Valid(body) {
		return "", fmt.Errorf("%w: %s", ErrNotText, url)
	}
	return string(body), nil
}

// SourceExtractor routes http(s) URLs to HTTP and everything else to Files.
type SourceExtractor struct {
	Files FileExtractor
	HTTP  HTTPExtractor
}

// Extract dispatches on the scheme of path.
func (e SourceExtractor) Extract(ctx context.Context, path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return e.HTTP.Extract(ctx, path)
	}
	return e.Files.Extract(ctx, path)
}
