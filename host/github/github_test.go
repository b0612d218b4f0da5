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

package github

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
)

func TestListOpenPullRequestsPaginates(t *testing.T) {
	var listCalls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/opencv/opencv/pulls" {
			http.NotFound(w, r)
			return
		}
		listCalls++
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/opencv/opencv/pulls?state=open&per_page=100&page=2>; rel="next"`, "http://"+r.Host))
			w.Header().Set("ETag", `"etag-1"`)
			fmt.Fprint(w, `[{"number": 10, "title": "one", "user": {"login": "alice"}, "head": {"ref": "fix", "sha": "aaa"}, "base": {"ref": "master"}}]`)
		case "2":
			fmt.Fprint(w, `[{"number": 11, "title": "two", "user": {"login": "bob"}, "head": {"ref": "feat", "sha": "bbb"}, "base": {"ref": "master"}}]`)
		}
	}))
	defer ts.Close()

	c := NewClient("", ts.URL, "opencv", "opencv")
	prs, err := c.ListOpenPullRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(prs) != 2 {
		t.Fatalf("expected 2 PRs, got %d", len(prs))
	}
	if prs[0].ID != 10 || prs[0].Author != "alice" || prs[0].HeadSHA != "aaa" || prs[0].Branch != "master" {
		t.Errorf("unexpected descriptor: %+v", prs[0])
	}
	if prs[1].ID != 11 {
		t.Errorf("second page was lost: %+v", prs[1])
	}
	if listCalls != 2 {
		t.Errorf("expected 2 list calls, got %d", listCalls)
	}
}

func TestListOpenPullRequestsReusesETag(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"etag-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"etag-1"`)
		fmt.Fprint(w, `[{"number": 10, "head": {"sha": "aaa"}, "base": {"ref": "master"}}]`)
	}))
	defer ts.Close()

	c := NewClient("", ts.URL, "opencv", "opencv")
	first, err := c.ListOpenPullRequests()
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.ListOpenPullRequests()
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 HTTP calls, got %d", calls)
	}
	if len(second) != len(first) || second[0].ID != 10 {
		t.Errorf("304 must serve the cached listing: %+v", second)
	}
}

func TestSetCommitStatusSkipsIdenticalWrite(t *testing.T) {
	var posts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `[{"state": "success", "description": "Build finished: success", "target_url": "http://example.com", "context": "ci/b1"}]`)
			return
		}
		posts++
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := NewClient("", ts.URL, "opencv", "opencv")
	err := c.SetCommitStatus("opencv", "opencv", "aaa", host.CommitStatus{
		State:       "success",
		Description: "Build finished: success",
		TargetURL:   "http://example.com",
		Context:     "ci/b1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if posts != 0 {
		t.Fatalf("identical status must not be rewritten, got %d posts", posts)
	}

	err = c.SetCommitStatus("opencv", "opencv", "aaa", host.CommitStatus{
		State:       "failure",
		Description: "Build finished: failure",
		TargetURL:   "http://example.com",
		Context:     "ci/b1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if posts != 1 {
		t.Fatalf("changed status must be written, got %d posts", posts)
	}
}

func TestSetCommitStatusBody(t *testing.T) {
	var got host.CommitStatus
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `[]`)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := NewClient("", ts.URL, "opencv", "opencv")
	err := c.SetCommitStatus("opencv", "opencv", "aaa", host.CommitStatus{
		State:   "pending",
		Context: "ci/b1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "pending" || got.Context != "ci/b1" {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestParseLinks(t *testing.T) {
	links := parseLinks(`<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`)
	if links["next"] != "https://api.github.com/x?page=2" {
		t.Errorf("next = %q", links["next"])
	}
	if links["last"] != "https://api.github.com/x?page=5" {
		t.Errorf("last = %q", links["last"])
	}
}
