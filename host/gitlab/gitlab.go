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

// Package gitlab implements the host contract for the GitLab API.
package gitlab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
)

const (
	maxRetries = 8
	retryDelay = 2 * time.Second

	requestTimeout = 60 * time.Second
)

// Client talks to the GitLab API for one project.
type Client struct {
	client *http.Client
	base   string
	token  string
	owner  string
	repo   string
	dry    bool
}

// NewClient creates a new fully operational GitLab client.
func NewClient(token, endpoint, owner, repo string) *Client {
	return newClient(token, endpoint, owner, repo, false)
}

// NewDryRunClient creates a client that will not perform mutating actions.
func NewDryRunClient(token, endpoint, owner, repo string) *Client {
	return newClient(token, endpoint, owner, repo, true)
}

func newClient(token, endpoint, owner, repo string, dry bool) *Client {
	return &Client{
		client: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
			Timeout:   requestTimeout,
		},
		base:  strings.TrimSuffix(endpoint, "/"),
		token: token,
		owner: owner,
		repo:  repo,
		dry:   dry,
	}
}

func (c *Client) project() string {
	return url.PathEscape(c.owner + "/" + c.repo)
}

// NotFoundError is returned for 404 responses.
type NotFoundError struct {
	e error
}

func (e NotFoundError) Error() string { return e.e.Error() }

// request re-sends on transport failures only; HTTP error codes go
// straight back to the caller.
func (c *Client) request(method, path string, body interface{}) (*http.Response, error) {
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(method, path, body)
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return resp, err
}

func (c *Client) doRequest(method, path string, body interface{}) (*http.Response, error) {
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
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Close = true
	return c.client.Do(req)
}

type glUser struct {
	Username string `json:"username"`
}

type glMergeRequest struct {
	IID          int64   `json:"iid"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Author       *glUser `json:"author"`
	Assignee     *glUser `json:"assignee"`
	SourceBranch string  `json:"source_branch"`
	TargetBranch string  `json:"target_branch"`
	SHA          string  `json:"sha"`
}

// ListOpenPullRequests lists the project's open merge requests.
func (c *Client) ListOpenPullRequests() ([]host.PRDescriptor, error) {
	nextURL := fmt.Sprintf("%s/projects/%s/merge_requests?state=opened&per_page=100", c.base, c.project())
	var result []host.PRDescriptor
	for page := 1; nextURL != ""; page++ {
		resp, err := c.request(http.MethodGet, nextURL, nil)
		if err != nil {
			return nil, err
		}
		b, err := readResp(resp)
		if err != nil {
			return nil, err
		}
		var mrs []glMergeRequest
		if err := json.Unmarshal(b, &mrs); err != nil {
			return nil, err
		}
		for _, mr := range mrs {
			d := host.PRDescriptor{
				ID:          mr.IID,
				Branch:      mr.TargetBranch,
				HeadBranch:  mr.SourceBranch,
				HeadRepo:    c.repo,
				HeadSHA:     mr.SHA,
				Title:       mr.Title,
				Description: mr.Description,
				Info:        map[string]interface{}{},
			}
			if mr.Author != nil {
				d.Author = mr.Author.Username
				d.HeadUser = mr.Author.Username
			}
			if mr.Assignee != nil {
				d.Assignee = mr.Assignee.Username
			}
			result = append(result, d)
		}
		if next := resp.Header.Get("X-Next-Page"); next != "" {
			nextURL = fmt.Sprintf("%s/projects/%s/merge_requests?state=opened&per_page=100&page=%s", c.base, c.project(), next)
		} else {
			nextURL = ""
		}
	}
	return result, nil
}

// SetCommitStatus creates or updates the commit status. Existing statuses
// are read first and the write is skipped when nothing changed.
func (c *Client) SetCommitStatus(owner, repo, sha string, s host.CommitStatus) error {
	project := url.PathEscape(owner + "/" + repo)

	resp, err := c.request(http.MethodGet, fmt.Sprintf("%s/projects/%s/repository/commits/%s/statuses", c.base, project, sha), nil)
	if err == nil {
		if b, rerr := readResp(resp); rerr == nil {
			var current []struct {
				Name        string `json:"name"`
				Status      string `json:"status"`
				Description string `json:"description"`
				TargetURL   string `json:"target_url"`
			}
			if json.Unmarshal(b, &current) == nil {
				for _, cur := range current {
					if cur.Name != s.Context {
						continue
					}
					if cur.Status == s.State && cur.Description == s.Description && cur.TargetURL == s.TargetURL {
						return nil
					}
					break
				}
			}
		}
	}

	if c.dry {
		return nil
	}
	body := map[string]string{
		"state":       s.State,
		"description": s.Description,
		"target_url":  s.TargetURL,
		"name":        s.Context,
	}
	resp, err = c.request(http.MethodPost, fmt.Sprintf("%s/projects/%s/statuses/%s", c.base, project, sha), body)
	if err != nil {
		return err
	}
	_, err = readResp(resp)
	return err
}

func readResp(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return nil, NotFoundError{e: fmt.Errorf("response not 2XX: %s", resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("response not 2XX: %s", resp.Status)
	}
	return ioutil.ReadAll(resp.Body)
}
