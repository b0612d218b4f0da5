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

package executor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// A call is attempted this many times before its last response (or
	// transport error) is handed to the caller.
	callAttempts = 4
	// The pause before attempt n is n-1 times this.
	attemptPause = 250 * time.Millisecond
)

// NotFoundError marks a builder, build or request the master does not
// know.
type NotFoundError struct {
	e error
}

func (e NotFoundError) Error() string {
	return e.e.Error()
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(e error) NotFoundError {
	return NotFoundError{e: e}
}

// Credentials selects how calls authenticate against the master. A
// non-empty User means basic auth; otherwise Token is sent as a bearer
// token.
type Credentials struct {
	User  string
	Token string
}

// authTransport stamps the credentials on every outgoing request.
type authTransport struct {
	creds Credentials
	next  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.creds.User != "" {
		req.SetBasicAuth(t.creds.User, t.creds.Token)
	} else if t.creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.creds.Token)
	}
	return t.next.RoundTrip(req)
}

// Client talks to the build master's HTTP API.
type Client struct {
	logger *logrus.Entry

	hc      *http.Client
	baseURL string

	metrics *ClientMetrics
}

// NewClient creates a master client for the given base URL. A nil creds
// leaves requests unauthenticated.
func NewClient(url string, timeout time.Duration, creds *Credentials, logger *logrus.Entry, metrics *ClientMetrics) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	var transport http.RoundTripper = http.DefaultTransport
	if creds != nil {
		transport = &authTransport{creds: *creds, next: transport}
	}
	return &Client{
		logger:  logger.WithField("client", "master"),
		baseURL: url,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		metrics: metrics,
	}
}

// do runs one API call. Transport errors and 5xx answers are retried
// with a linearly growing pause; the final response, whatever it is,
// goes back to the caller along with a latency/count metric sample.
func (c *Client) do(method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	var resp *http.Response
	var err error
	for attempt := 1; ; attempt++ {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		var req *http.Request
		req, err = http.NewRequest(method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err = c.hc.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			break
		}
		if attempt == callAttempts {
			break
		}
		if err == nil {
			resp.Body.Close()
		}
		if c.metrics != nil {
			c.metrics.RequestRetries.Inc()
		}
		time.Sleep(time.Duration(attempt) * attemptPause)
	}
	if c.metrics != nil && resp != nil {
		c.metrics.RequestLatency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		c.metrics.Requests.WithLabelValues(method, path, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, err
}

// getJSON fetches path and decodes the answer into out. 404 comes back
// as a NotFoundError so callers can tell a missing object from a broken
// master.
func (c *Client) getJSON(path string, out interface{}) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return NewNotFoundError(errors.New(resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("master answered %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postJSON sends body to path. When out is non-nil the answer is decoded
// into it.
func (c *Client) postJSON(path string, body, out interface{}) error {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("master answered %s for %s", resp.Status, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type builderPage struct {
	State         string           `json:"state"`
	PendingBuilds []PendingRequest `json:"pendingBuilds"`
}

// GetBuilderState returns whether the builder is online and its pending
// requests. An unknown builder reports as offline.
func (c *Client) GetBuilderState(name string) (*BuilderState, error) {
	c.logger.Debugf("GetBuilderState(%v)", name)

	page := builderPage{}
	if err := c.getJSON(fmt.Sprintf("/json/builders/%s", name), &page); err != nil {
		if _, isNotFound := err.(NotFoundError); isNotFound {
			return &BuilderState{Online: false}, nil
		}
		return nil, fmt.Errorf("cannot get builder %q: %v", name, err)
	}
	return &BuilderState{
		Online:          page.State != "offline",
		PendingRequests: page.PendingBuilds,
	}, nil
}

// GetPendingRequests lists the builder's pending build requests.
func (c *Client) GetPendingRequests(name string) ([]PendingRequest, error) {
	c.logger.Debugf("GetPendingRequests(%v)", name)

	var pendings []PendingRequest
	if err := c.getJSON(fmt.Sprintf("/json/builders/%s/pendingBuilds", name), &pendings); err != nil {
		if _, isNotFound := err.(NotFoundError); isNotFound {
			c.logger.WithError(err).Warnf("Cannot list pending builds for builder %q", name)
			return nil, nil
		}
		return nil, fmt.Errorf("cannot list pending builds for builder %q: %v", name, err)
	}
	return pendings, nil
}

// GetBuilderStates fetches the state of several builders concurrently.
func (c *Client) GetBuilderStates(names []string) (map[string]*BuilderState, error) {
	states := make(map[string]*BuilderState, len(names))
	var mut sync.Mutex
	var group errgroup.Group
	for _, name := range names {
		name := name
		group.Go(func() error {
			state, err := c.GetBuilderState(name)
			if err != nil {
				return err
			}
			mut.Lock()
			states[name] = state
			mut.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// SubmitBuildSet creates a source stamp set and a build request on the
// master.
func (c *Client) SubmitBuildSet(bs BuildSet) (*BuildSetResult, error) {
	c.logger.Infof("SubmitBuildSet(%v, %q)", bs.Builder, bs.Reason)

	result := &BuildSetResult{}
	if err := c.postJSON("/api/buildsets", bs, result); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelRequest cancels a pending build request.
func (c *Client) CancelRequest(brid int64) error {
	c.logger.Infof("CancelRequest(%v)", brid)

	return c.postJSON(fmt.Sprintf("/api/buildrequests/%d/cancel", brid), nil, nil)
}

// StopBuild stops a running build.
func (c *Client) StopBuild(builderName string, buildNumber int64, reason string) error {
	c.logger.Infof("StopBuild(%v, %v)", builderName, buildNumber)

	body := map[string]string{"reason": reason}
	return c.postJSON(fmt.Sprintf("/builders/%s/builds/%d/stop", builderName, buildNumber), body, nil)
}
