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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string) *Client {
	return NewClient(url, 5*time.Second, nil, nil, nil)
}

func TestGetBuilderState(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/builders/runtests1":
			fmt.Fprint(w, `{"state": "idle", "pendingBuilds": []}`)
		case "/json/builders/runtests2":
			fmt.Fprint(w, `{"state": "offline"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	c := testClient(ts.URL)

	state, err := c.GetBuilderState("runtests1")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Online || len(state.PendingRequests) != 0 {
		t.Errorf("unexpected state: %+v", state)
	}

	state, err = c.GetBuilderState("runtests2")
	if err != nil {
		t.Fatal(err)
	}
	if state.Online {
		t.Error("offline builder reported online")
	}

	// An unknown builder reports as offline instead of erroring.
	state, err = c.GetBuilderState("missing")
	if err != nil {
		t.Fatal(err)
	}
	if state.Online {
		t.Error("unknown builder reported online")
	}
}

func TestSubmitBuildSet(t *testing.T) {
	var got BuildSet
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/buildsets" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"bsid": 5, "brid": 77}`)
	}))
	defer ts.Close()
	c := testClient(ts.URL)

	result, err := c.SubmitBuildSet(BuildSet{
		SourceStamps: []SourceStamp{{Repository: "opencv/opencv", Revision: "aaa"}},
		Properties:   map[string]string{PropertyPullRequest: "10"},
		Builder:      "runtests1",
		Reason:       "#10 (aaa) on runtests1",
		ExternalID:   "PR #10",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Brid != 77 || result.Bsid != 5 {
		t.Errorf("unexpected result: %+v", result)
	}
	if got.Builder != "runtests1" || got.Properties[PropertyPullRequest] != "10" {
		t.Errorf("submission was mangled: %+v", got)
	}
}

func TestRequestRetriesOn500(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"state": "idle"}`)
	}))
	defer ts.Close()
	c := testClient(ts.URL)

	state, err := c.GetBuilderState("runtests1")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Online {
		t.Error("retried request should succeed")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestStopBuildAndCancelRequest(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}))
	defer ts.Close()
	c := testClient(ts.URL)

	if err := c.StopBuild("runtests1", 12, "canceled by PR service"); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelRequest(77); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "/builders/runtests1/builds/12/stop" || paths[1] != "/api/buildrequests/77/cancel" {
		t.Errorf("unexpected paths: %v", paths)
	}
}
