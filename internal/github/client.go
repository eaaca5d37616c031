// Package github talks to the GitHub REST API on behalf of a linked user.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.github.com"

	// commitSearchAccept enables the commit search preview media type.
	commitSearchAccept = "application/vnd.github.cloak-preview+json"

	perPage = 100
	// The search API never returns more than 1000 results.
	maxPages = 10
)

var (
	ErrTokenRejected = apperr.New(apperr.KindUnauthorized, "GitHub token is expired or revoked")
	ErrForbidden     = apperr.New(apperr.KindUnauthorized, "GitHub denied access")
	ErrRateLimited   = apperr.New(apperr.KindRateLimited, "GitHub API rate limit exceeded")
	ErrUnavailable   = apperr.New(apperr.KindUnavailable, "GitHub API unavailable")
)

type Profile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// IDString returns the numeric account id as stored on users.
func (p Profile) IDString() string {
	return strconv.FormatInt(p.ID, 10)
}

type Commit struct {
	SHA        string    `json:"sha"`
	Message    string    `json:"message"`
	URL        string    `json:"url"`
	Repository string    `json:"repository,omitempty"`
	AuthorDate time.Time `json:"authorDate"`
}

type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerMinute int
	Now               func() time.Time
}

// Client is safe for concurrent use. All requests share one limiter, so the
// process never bursts past the configured budget.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL: base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 5),
		now:     now,
	}
}

// Profile returns the account that owns accessToken.
func (c *Client) Profile(ctx context.Context, accessToken string) (Profile, error) {
	var p Profile
	if err := c.getJSON(ctx, "user", accessToken, "/user", nil, "", &p); err != nil {
		return Profile{}, err
	}
	if p.ID == 0 || p.Login == "" {
		return Profile{}, apperr.Wrap(apperr.KindUnavailable, ErrUnavailable.Message, fmt.Errorf("profile without id or login"))
	}
	return p, nil
}

type searchResponse struct {
	TotalCount int `json:"total_count"`
	Items      []struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
		Commit  struct {
			Message string `json:"message"`
			Author  struct {
				Date time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	} `json:"items"`
}

// Commits returns commits authored by login within the trailing windowDays,
// newest first.
func (c *Client) Commits(ctx context.Context, accessToken, login string, windowDays int) ([]Commit, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, apperr.Validation("GitHub login is required")
	}
	if windowDays <= 0 {
		windowDays = 365
	}
	since := c.now().UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")

	var out []Commit
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("author:%s committer-date:>%s", login, since))
		q.Set("sort", "committer-date")
		q.Set("order", "desc")
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))

		var res searchResponse
		if err := c.getJSON(ctx, "search_commits", accessToken, "/search/commits", q, commitSearchAccept, &res); err != nil {
			return nil, err
		}
		for _, it := range res.Items {
			out = append(out, Commit{
				SHA:        it.SHA,
				Message:    it.Commit.Message,
				URL:        it.HTMLURL,
				Repository: it.Repository.FullName,
				AuthorDate: it.Commit.Author.Date,
			})
		}
		if len(res.Items) < perPage || len(out) >= res.TotalCount {
			break
		}
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, token, path string, query url.Values, accept string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.GitHubRequest(endpoint, "throttled")
		return apperr.Wrap(apperr.KindRateLimited, ErrRateLimited.Message, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperr.Internal(err)
	}
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "codequest-backend")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GitHubRequest(endpoint, "error")
		return apperr.Wrap(apperr.KindUnavailable, ErrUnavailable.Message, err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		metrics.GitHubRequest(endpoint, string(apperr.KindOf(err)))
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.GitHubRequest(endpoint, "error")
		return apperr.Wrap(apperr.KindUnavailable, ErrUnavailable.Message, fmt.Errorf("decode %s: %w", endpoint, err))
	}
	metrics.GitHubRequest(endpoint, "ok")
	return nil
}

// classify maps non-2xx responses onto error kinds. GitHub reports primary
// rate limits as 403 with X-RateLimit-Remaining: 0 and secondary limits as
// 403/429 with Retry-After.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	cause := fmt.Errorf("github status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.Wrap(apperr.KindUnauthorized, ErrTokenRejected.Message, cause)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && isRateLimited(resp.Header):
		return apperr.Wrap(apperr.KindRateLimited, ErrRateLimited.Message, cause)
	case resp.StatusCode == http.StatusForbidden:
		return apperr.Wrap(apperr.KindUnauthorized, ErrForbidden.Message, cause)
	default:
		return apperr.Wrap(apperr.KindUnavailable, ErrUnavailable.Message, cause)
	}
}

func isRateLimited(h http.Header) bool {
	return h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != ""
}
