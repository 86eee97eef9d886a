package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/github"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

const (
	// DefaultArchiveBaseURL serves repository archives
	DefaultArchiveBaseURL = "https://github.com"
	// DefaultMaxAttempts bounds download retries
	DefaultMaxAttempts = 3
)

// defaultBranches are tried in order when no version is requested
var defaultBranches = []string{"main", "master"}

// GitHubConfig configures a GitHubFetcher
type GitHubConfig struct {
	// Token authenticates archive downloads and API calls (optional)
	Token string
	// ArchiveBaseURL overrides https://github.com
	ArchiveBaseURL string
	// APIBaseURL overrides the GitHub API endpoint
	APIBaseURL     string
	MaxArchiveSize int64
	MaxAttempts    int
	// InitialBackoff is the first retry delay
	InitialBackoff time.Duration
	Limits         ExtractLimits
	// HTTPClient is used when no token is configured
	HTTPClient *http.Client
}

// GitHubFetcher downloads repository archives from GitHub
type GitHubFetcher struct {
	config  GitHubConfig
	http    *http.Client
	api     *github.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// statusError is a non-200 archive response
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

// NewGitHubFetcher creates a fetcher
func NewGitHubFetcher(config GitHubConfig, logger *logrus.Logger) (*GitHubFetcher, error) {
	if config.ArchiveBaseURL == "" {
		config.ArchiveBaseURL = DefaultArchiveBaseURL
	}
	config.ArchiveBaseURL = strings.TrimSuffix(config.ArchiveBaseURL, "/")
	if config.MaxArchiveSize <= 0 {
		config.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if config.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token}))
	}

	api := github.NewClient(client)
	if config.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(config.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		api.BaseURL = base
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github-source",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A missing ref is the caller's problem, not an outage
			var se *statusError
			return err == nil || (errors.As(err, &se) && se.Status == http.StatusNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})

	return &GitHubFetcher{
		config:  config,
		http:    client,
		api:     api,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Fetch downloads and extracts the archive for version into dest
func (g *GitHubFetcher) Fetch(ctx context.Context, repositoryURL, version, dest string) (*Snapshot, error) {
	owner, repo, err := ParseRepository(repositoryURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}

	var refs []string
	if version != "" {
		refs = []string{"tags/" + version}
	} else {
		for _, b := range defaultBranches {
			refs = append(refs, "heads/"+b)
		}
	}

	var lastErr error
	for _, ref := range refs {
		archiveURL := fmt.Sprintf("%s/%s/%s/archive/refs/%s.zip", g.config.ArchiveBaseURL, owner, repo, ref)
		archive, err := g.download(ctx, archiveURL)
		if err != nil {
			lastErr = err
			var se *statusError
			if errors.As(err, &se) && se.Status == http.StatusNotFound {
				g.logger.Debugf("Archive %s not found, trying next ref", archiveURL)
				continue
			}
			break
		}

		if err := ExtractZip(archive, dest, g.config.Limits); err != nil {
			os.Remove(archive)
			return nil, fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
		}

		resolved := version
		if resolved == "" {
			resolved = strings.TrimPrefix(ref, "heads/")
		}
		g.logger.Infof("Fetched %s/%s at %s", owner, repo, resolved)
		return &Snapshot{Dir: dest, Version: resolved, Archive: archive}, nil
	}

	return nil, fmt.Errorf("%w: %s/%s: %v", plugins.ErrFetchFailed, owner, repo, lastErr)
}

// download fetches url into a temporary file, retrying transient failures
func (g *GitHubFetcher) download(ctx context.Context, archiveURL string) (string, error) {
	var archive string

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.config.InitialBackoff
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.config.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := g.breaker.Execute(func() (interface{}, error) {
			path, err := g.downloadOnce(ctx, archiveURL)
			archive = path
			return nil, err
		})
		if err == nil {
			return nil
		}

		var se *statusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrUnsafeArchive) || errors.Is(err, gobreaker.ErrOpenState) {
			return backoff.Permanent(err)
		}
		g.logger.Warnf("Download of %s failed (attempt %d/%d): %v", archiveURL, attempt, g.config.MaxAttempts, err)
		return err
	}, retry)
	if err != nil {
		return "", err
	}
	return archive, nil
}

func (g *GitHubFetcher) downloadOnce(ctx context.Context, archiveURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &statusError{URL: archiveURL, Status: resp.StatusCode}
	}

	f, err := os.CreateTemp("", "plugd-archive-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, g.config.MaxArchiveSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > g.config.MaxArchiveSize {
		err = fmt.Errorf("%w: archive exceeds %d bytes", ErrUnsafeArchive, g.config.MaxArchiveSize)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// LatestVersion returns the tag name of the latest published release
func (g *GitHubFetcher) LatestVersion(ctx context.Context, repositoryURL string) (string, error) {
	owner, repo, err := ParseRepository(repositoryURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", plugins.ErrFetchFailed, err)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		release, _, err := g.api.Repositories.GetLatestRelease(ctx, owner, repo)
		if err != nil {
			var ghErr *github.ErrorResponse
			if errors.As(err, &ghErr) && ghErr.Response != nil {
				return nil, &statusError{URL: "releases/latest", Status: ghErr.Response.StatusCode}
			}
			return nil, err
		}
		return release.GetTagName(), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: latest release of %s/%s: %v", plugins.ErrFetchFailed, owner, repo, err)
	}

	tag := result.(string)
	if tag == "" {
		return "", fmt.Errorf("%w: latest release of %s/%s has no tag", plugins.ErrFetchFailed, owner, repo)
	}
	return tag, nil
}
