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

package watch

import (
	"sync"
	"testing"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/executor"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
)

type fakeHost struct {
	sync.Mutex
	prs []host.PRDescriptor
	err error
}

func (f *fakeHost) ListOpenPullRequests() ([]host.PRDescriptor, error) {
	f.Lock()
	defer f.Unlock()
	return f.prs, f.err
}

func (f *fakeHost) SetCommitStatus(org, repo, sha string, s host.CommitStatus) error {
	return nil
}

func (f *fakeHost) set(prs []host.PRDescriptor) {
	f.Lock()
	defer f.Unlock()
	f.prs = prs
}

type fakeMaster struct {
	sync.Mutex
	states    map[string]*executor.BuilderState
	submitted []executor.BuildSet
	cancelled []int64
	stopped   []string
	nextBrid  int64
	submitErr error
}

func (f *fakeMaster) GetBuilderState(name string) (*executor.BuilderState, error) {
	f.Lock()
	defer f.Unlock()
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return &executor.BuilderState{Online: false}, nil
}

func (f *fakeMaster) GetPendingRequests(name string) ([]executor.PendingRequest, error) {
	f.Lock()
	defer f.Unlock()
	if s, ok := f.states[name]; ok {
		return s.PendingRequests, nil
	}
	return nil, nil
}

func (f *fakeMaster) SubmitBuildSet(bs executor.BuildSet) (*executor.BuildSetResult, error) {
	f.Lock()
	defer f.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, bs)
	f.nextBrid++
	return &executor.BuildSetResult{Bsid: f.nextBrid, Brid: f.nextBrid}, nil
}

func (f *fakeMaster) CancelRequest(brid int64) error {
	f.Lock()
	defer f.Unlock()
	f.cancelled = append(f.cancelled, brid)
	return nil
}

func (f *fakeMaster) StopBuild(builderName string, buildNumber int64, reason string) error {
	f.Lock()
	defer f.Unlock()
	f.stopped = append(f.stopped, builderName)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Name:    "Pull Requests",
		URLPath: "pullrequests",
		Builders: map[string]config.BuilderConfig{
			"runtests1": {Name: "b1", Builders: []string{"runtests1"}, Order: 0},
			"perf":      {Name: "b2", Builders: []string{"perf1"}, Order: 1, IsPerf: true},
		},
		TrustedAuthors: []string{"alice"},
		Reviewers:      []string{"bob"},
	}
}

func newTestContext(t *testing.T, cfg *config.Config) (*service.Context, *fakeHost, *fakeMaster) {
	agent := &config.Agent{}
	agent.Set(cfg)

	dbc, err := db.OpenInMemory(nil)
	if err != nil {
		t.Fatal(err)
	}
	var specs []db.BuilderSpec
	for internalName, b := range cfg.Builders {
		specs = append(specs, db.BuilderSpec{
			InternalName: internalName,
			Name:         b.Name,
			Builders:     b.Builders,
			Order:        b.Order,
			IsPerf:       b.IsPerf,
		})
	}
	if err := dbc.StartupReconcile(specs, false); err != nil {
		t.Fatal(err)
	}

	fh := &fakeHost{}
	fm := &fakeMaster{states: map[string]*executor.BuilderState{}}
	ctx := service.NewContext(agent, dbc, fh, fm, nil)
	ctx.SetAllowScheduling(true)
	return ctx, fh, fm
}

func builderByName(t *testing.T, ctx *service.Context, internalName string) *db.Builder {
	b, err := ctx.DB.GetBuilderByName(internalName)
	if err != nil || b == nil {
		t.Fatalf("builder %s lookup failed: %v", internalName, err)
	}
	return b
}

func pr10(sha string) host.PRDescriptor {
	return host.PRDescriptor{
		ID:       10,
		Branch:   "master",
		Author:   "alice",
		Assignee: "bob",
		HeadSHA:  sha,
		Title:    "Fix the resize kernel",
	}
}

func TestNewTrustedPullRequest(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()

	fh.set([]host.PRDescriptor{pr10("aaa")})
	NewLoop(ctx).UpdatePullRequests()

	pr, err := ctx.DB.GetPullRequest(10)
	if err != nil || pr == nil {
		t.Fatalf("PR 10 was not materialized: %v", err)
	}
	if pr.Status < 0 {
		t.Errorf("PR 10 must be live, status=%d", pr.Status)
	}

	b1 := builderByName(t, ctx, "runtests1")
	s, err := ctx.DB.GetActiveStatus(10, b1.BID)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.Status != db.InQueue || s.HeadSHA != "aaa" {
		t.Fatalf("expected in-queue status for (10, b1), got %+v", s)
	}

	b2 := builderByName(t, ctx, "perf")
	s, err = ctx.DB.GetActiveStatus(10, b2.BID)
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatalf("perf builder must not be enqueued without a filter, got %+v", s)
	}
}

func TestUntrustedFirstSighting(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()

	desc := pr10("aaa")
	desc.Author = "carol"
	fh.set([]host.PRDescriptor{desc})
	NewLoop(ctx).UpdatePullRequests()

	b1 := builderByName(t, ctx, "runtests1")
	s, err := ctx.DB.GetActiveStatus(10, b1.BID)
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatalf("untrusted first sighting must not enqueue, got %+v", s)
	}
}

func TestHeadChangeRequeues(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()
	loop := NewLoop(ctx)

	fh.set([]host.PRDescriptor{pr10("aaa")})
	loop.UpdatePullRequests()

	fh.set([]host.PRDescriptor{pr10("bbb")})
	loop.UpdatePullRequests()

	b1 := builderByName(t, ctx, "runtests1")
	s, err := ctx.DB.GetActiveStatus(10, b1.BID)
	if err != nil || s == nil {
		t.Fatalf("expected an active status: %v", err)
	}
	if s.HeadSHA != "bbb" || s.Status != db.InQueue {
		t.Fatalf("expected fresh in-queue status for bbb, got %+v", s)
	}

	all, err := ctx.DB.ListActiveStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("prior status must be deactivated, %d active", len(all))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()
	loop := NewLoop(ctx)

	fh.set([]host.PRDescriptor{pr10("aaa")})
	loop.UpdatePullRequests()

	before, err := ctx.DB.GetPullRequest(10)
	if err != nil || before == nil {
		t.Fatal(err)
	}
	statusesBefore, _ := ctx.DB.ListActiveStatuses()

	loop.UpdatePullRequests()

	after, err := ctx.DB.GetPullRequest(10)
	if err != nil || after == nil {
		t.Fatal(err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("an unchanged pull request must not be rewritten")
	}
	statusesAfter, _ := ctx.DB.ListActiveStatuses()
	if len(statusesAfter) != len(statusesBefore) {
		t.Errorf("unchanged head must not requeue: %d -> %d statuses", len(statusesBefore), len(statusesAfter))
	}
}

func TestPerfOptIn(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()

	desc := host.PRDescriptor{
		ID:          11,
		Author:      "alice",
		Assignee:    "bob",
		HeadSHA:     "ccc",
		Description: "check_regression=abc,def",
	}
	fh.set([]host.PRDescriptor{desc})
	NewLoop(ctx).UpdatePullRequests()

	b2 := builderByName(t, ctx, "perf")
	s, err := ctx.DB.GetActiveStatus(11, b2.BID)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.Status != db.InQueue {
		t.Fatalf("perf builder must be enqueued with a filter, got %+v", s)
	}
}

func TestClosedPullRequestIsDeactivated(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()
	loop := NewLoop(ctx)

	fh.set([]host.PRDescriptor{pr10("aaa")})
	loop.UpdatePullRequests()

	fh.set(nil)
	loop.UpdatePullRequests()

	pr, err := ctx.DB.GetPullRequest(10)
	if err != nil || pr == nil {
		t.Fatal(err)
	}
	if pr.Status >= 0 {
		t.Errorf("closed PR must be inactive, status=%d", pr.Status)
	}
	active, err := ctx.DB.ListActiveStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("closed PR must not keep active statuses, got %d", len(active))
	}
	b1 := builderByName(t, ctx, "runtests1")
	s, err := ctx.DB.PickNextForBuilder(b1.BID)
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Errorf("scheduler must never pick a closed PR, got %+v", s)
	}
}

func TestHostErrorKeepsState(t *testing.T) {
	ctx, fh, _ := newTestContext(t, testConfig())
	defer ctx.DB.Close()
	loop := NewLoop(ctx)

	fh.set([]host.PRDescriptor{pr10("aaa")})
	loop.UpdatePullRequests()

	fh.Lock()
	fh.err = errTest
	fh.Unlock()
	loop.UpdatePullRequests()

	pr, err := ctx.DB.GetPullRequest(10)
	if err != nil || pr == nil {
		t.Fatal(err)
	}
	if pr.Status < 0 {
		t.Error("a host outage must not deactivate pull requests")
	}
	if !ctx.SchedulingAllowed() {
		t.Error("scheduling must be re-enabled after a failed iteration")
	}
}

var errTest = &hostError{}

type hostError struct{}

func (e *hostError) Error() string { return "host is down" }
