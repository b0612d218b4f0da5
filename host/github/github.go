/*
Copyright 2018 The OpenCV Infrastructure Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package github implements the host contract for the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
)

type Logger interface {
	Printf(s string, v ...interface{})
}

const (
	githubBase = "https://api.github.com"
	maxRetries = 8
	retryDelay = 2 * time.Second
	// requestTimeout bounds every host call.
	requestTimeout = 60 * time.Second
)

// Client talks to the GitHub API for one repository.
type Client struct {
	// If Logger is non-nil, log all method calls with it.
	Logger Logger

	client *http.Client
	base   string
	owner  string
	repo   string
	dry    bool

	limiter *rate.Limiter

	// Conditional-request cache for the open pull-request listing.
	mut       sync.Mutex
	etag      string
	cachedPRs []host.PRDescriptor
	rlRemain  int
	rlLimit   int
}

// NewClient creates a new fully operational GitHub client. The outbound
// transport honors http_proxy/https_proxy.
func NewClient(token, endpoint, owner, repo string) *Client {
	return newClient(token, endpoint, owner, repo, false)
}

// NewDryRunClient creates a client that will not perform mutating actions
// such as setting statuses, but will still query GitHub.
func NewDryRunClient(token, endpoint, owner, repo string) *Client {
	return newClient(token, endpoint, owner, repo, true)
}

func newClient(token, endpoint, owner, repo string, dry bool) *Client {
	if endpoint == "" {
		endpoint = githubBase
	}
	base := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
	}
	hc := base
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	hc.Timeout = requestTimeout
	return &Client{
		client:   hc,
		base:     strings.TrimSuffix(endpoint, "/"),
		owner:    owner,
		repo:     repo,
		dry:      dry,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		rlRemain: -1,
		rlLimit:  -1,
	}
}

func (c *Client) log(methodName string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	var as []string
	for _, arg := range args {
		as = append(as, fmt.Sprintf("%v", arg))
	}
	c.Logger.Printf("%s(%s)", methodName, strings.Join(as, ", "))
}

// NotFoundError is returned for 404 responses.
type NotFoundError struct {
	e error
}

func (e NotFoundError) Error() string { return e.e.Error() }

// IsNotFound returns whether err marks a 404 response.
func IsNotFound(err error) bool {
	_, ok := err.(NotFoundError)
	return ok
}

// request re-sends on transport failures only; HTTP error codes go
// straight back to the caller.
func (c *Client) request(method, path string, body interface{}, header http.Header) (*http.Response, error) {
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(method, path, body, header)
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return resp, err
}

func (c *Client) doRequest(method, path string, body interface{}, header http.Header) (*http.Response, error) {
	c.limiter.Wait(context.Background())

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/vnd.github.v3+json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	// GitHub sometimes drops kept-alive connections mid-flight; one
	// connection per request avoids those flakes.
	req.Close = true
	resp, err := c.client.Do(req)
	if err == nil {
		c.trackRateLimit(resp)
	}
	return resp, err
}

func (c *Client) trackRateLimit(resp *http.Response) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		fmt.Sscanf(v, "%d", &c.rlRemain)
	}
	if v := resp.Header.Get("X-RateLimit-Limit"); v != "" {
		fmt.Sscanf(v, "%d", &c.rlLimit)
	}
}

// RateLimit returns the last observed remaining/limit header values, or
// -1 when no request carried them yet.
func (c *Client) RateLimit() (remaining, limit int) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.rlRemain, c.rlLimit
}

type ghUser struct {
	Login string `json:"login"`
}

type ghRef struct {
	Ref  string  `json:"ref"`
	SHA  string  `json:"sha"`
	User *ghUser `json:"user"`
	Repo *struct {
		Name string `json:"name"`
	} `json:"repo"`
}

type ghPullRequest struct {
	Number   int64   `json:"number"`
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	User     *ghUser `json:"user"`
	Assignee *ghUser `json:"assignee"`
	Base     ghRef   `json:"base"`
	Head     ghRef   `json:"head"`
}

// ListOpenPullRequests lists the repository's open pull requests. The
// first page carries an If-None-Match header; on 304 the previous result
// is reused without spending rate limit on the remaining pages.
func (c *Client) ListOpenPullRequests() ([]host.PRDescriptor, error) {
	c.log("ListOpenPullRequests", c.owner, c.repo)

	c.mut.Lock()
	etag := c.etag
	c.mut.Unlock()

	nextURL := fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&per_page=100", c.base, c.owner, c.repo)
	var prs []ghPullRequest
	firstPage := true
	for nextURL != "" {
		header := http.Header{}
		if firstPage && etag != "" {
			header.Set("If-None-Match", etag)
		}
		resp, err := c.request(http.MethodGet, nextURL, nil, header)
		if err != nil {
			return nil, err
		}
		func() {
			defer resp.Body.Close()
			if firstPage && resp.StatusCode == http.StatusNotModified {
				return
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				err = fmt.Errorf("return code not 2XX: %s", resp.Status)
				return
			}
			if firstPage {
				c.mut.Lock()
				c.etag = resp.Header.Get("ETag")
				c.mut.Unlock()
			}
			var b []byte
			b, err = ioutil.ReadAll(resp.Body)
			if err != nil {
				return
			}
			var page []ghPullRequest
			if err = json.Unmarshal(b, &page); err != nil {
				return
			}
			prs = append(prs, page...)
			nextURL = parseLinks(resp.Header.Get("Link"))["next"]
		}()
		if err != nil {
			return nil, err
		}
		if firstPage && resp.StatusCode == http.StatusNotModified {
			c.mut.Lock()
			cached := c.cachedPRs
			c.mut.Unlock()
			c.log("ListOpenPullRequests", "not modified")
			return cached, nil
		}
		firstPage = false
	}

	result := make([]host.PRDescriptor, 0, len(prs))
	for _, pr := range prs {
		result = append(result, toDescriptor(pr))
	}
	c.mut.Lock()
	c.cachedPRs = result
	c.mut.Unlock()
	return result, nil
}

func toDescriptor(pr ghPullRequest) host.PRDescriptor {
	d := host.PRDescriptor{
		ID:          pr.Number,
		Branch:      pr.Base.Ref,
		HeadBranch:  pr.Head.Ref,
		HeadSHA:     pr.Head.SHA,
		Title:       pr.Title,
		Description: pr.Body,
		Info:        map[string]interface{}{},
	}
	if pr.User != nil {
		d.Author = pr.User.Login
	}
	if pr.Assignee != nil {
		d.Assignee = pr.Assignee.Login
	}
	if pr.Head.User != nil {
		d.HeadUser = pr.Head.User.Login
	}
	if pr.Head.Repo != nil {
		d.HeadRepo = pr.Head.Repo.Name
	}
	return d
}

// SetCommitStatus creates or updates the status of a commit. The current
// statuses are read first and the write is skipped when state,
// description and target URL already match for the context.
func (c *Client) SetCommitStatus(owner, repo, sha string, s host.CommitStatus) error {
	c.log("SetCommitStatus", owner, repo, sha, s)

	current, err := c.listCommitStatuses(owner, repo, sha)
	if err != nil {
		// A failed read never blocks the update.
		c.log("SetCommitStatus", "cannot read current statuses", err)
	}
	for _, cur := range current {
		if cur.Context != s.Context {
			continue
		}
		if cur.State == s.State && cur.Description == s.Description && cur.TargetURL == s.TargetURL {
			c.log("SetCommitStatus", "update not required")
			return nil
		}
		break
	}

	if c.dry {
		return nil
	}
	resp, err := c.request(http.MethodPost, fmt.Sprintf("%s/repos/%s/%s/statuses/%s", c.base, owner, repo, sha), s, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return NotFoundError{e: fmt.Errorf("response not 201: %s", resp.Status)}
	}
	if resp.StatusCode != 201 {
		return fmt.Errorf("response not 201: %s", resp.Status)
	}
	return nil
}

func (c *Client) listCommitStatuses(owner, repo, sha string) ([]host.CommitStatus, error) {
	resp, err := c.request(http.MethodGet, fmt.Sprintf("%s/repos/%s/%s/statuses/%s", c.base, owner, repo, sha), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return nil, NotFoundError{e: fmt.Errorf("response not 200: %s", resp.Status)}
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("response not 200: %s", resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var statuses []host.CommitStatus
	if err := json.Unmarshal(b, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// parseLinks parses an RFC 5988 Link header into a rel -> url map.
func parseLinks(h string) map[string]string {
	links := map[string]string{}
	for _, part := range strings.Split(h, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		if len(fields) < 2 {
			continue
		}
		url := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if strings.HasPrefix(param, `rel="`) {
				links[strings.Trim(strings.TrimPrefix(param, `rel=`), `"`)] = url
			}
		}
	}
	return links
}
