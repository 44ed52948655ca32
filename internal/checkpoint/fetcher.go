package checkpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
)

// Fetcher streams the file at path in repo into w.
type Fetcher interface {
	Fetch(ctx context.Context, repo, path string, w io.Writer) error
}

// HTTPFetcher downloads files from a Hugging Face compatible hub at
// {Endpoint}/{repo}/resolve/{Revision}/{path}.
type HTTPFetcher struct {
	Endpoint string
	Revision string
	Token    string
	Client   *http.Client
}

func NewHTTPFetcher(endpoint, revision string) *HTTPFetcher {
	return &HTTPFetcher{
		Endpoint: endpoint,
		Revision: revision,
		Client:   &http.Client{Timeout: 30 * time.Minute},
	}
}

// URL returns the download location of path in repo.
func (f *HTTPFetcher) URL(repo, path string) string {
	endpoint := f.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	revision := f.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	return strings.TrimRight(endpoint, "/") + "/" + repo + "/resolve/" + url.PathEscape(revision) + "/" + strings.TrimLeft(path, "/")
}

func (f *HTTPFetcher) Fetch(ctx context.Context, repo, path string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(repo, path), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub returned status %d for %s/%s: %s", resp.StatusCode, repo, path, strings.TrimSpace(string(body)))
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s/%s: %w", repo, path, err)
	}
	return nil
}

// DelayStrategy waits between fetch attempts. attempt is the 1-based
// number of the attempt that just failed.
type DelayStrategy interface {
	Wait(ctx context.Context, attempt int) error
}

// FixedDelay waits the same duration after every failed attempt.
type FixedDelay time.Duration

func (d FixedDelay) Wait(ctx context.Context, _ int) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type NoDelay struct{}

func (NoDelay) Wait(ctx context.Context, _ int) error { return ctx.Err() }
