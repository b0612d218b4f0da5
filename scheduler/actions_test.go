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

package scheduler

import (
	"testing"

	"github.com/jinzhu/gorm"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/executor"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/util"
)

func token(s *db.Status) string {
	return db.FormatTimestamp(db.Timestamp(s.UpdatedAt))
}

func TestCancelBuildNeedUpdate(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	s := seedStatus(t, ctx, 10, "runtests1", "aaa")

	// The status moved on after the client read it.
	err := CancelBuild(ctx, s, "1.5")
	if !util.IsNeedUpdate(err) {
		t.Fatalf("expected NeedUpdate, got %v", err)
	}
	got, _ := ctx.DB.GetActiveStatus(10, s.BID)
	if got == nil || !got.Active || got.Status != db.InQueue {
		t.Fatalf("a failed concurrency check must not change the status, got %+v", got)
	}
}

func TestCancelBuildInQueue(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	s := seedStatus(t, ctx, 10, "runtests1", "aaa")
	if err := CancelBuild(ctx, s, token(s)); err != nil {
		t.Fatal(err)
	}
	got, _ := ctx.DB.GetActiveStatus(10, s.BID)
	if got != nil {
		t.Fatalf("queued status must be deactivated, got %+v", got)
	}
}

func TestCancelBuildScheduledCancelsPendingRequest(t *testing.T) {
	ctx, fm := newTestContext(t)
	defer ctx.DB.Close()

	s := seedStatus(t, ctx, 10, "runtests1", "aaa")
	s.Status = db.Scheduled
	s.Brid = 77
	if err := ctx.DB.UpdateStatus(s); err != nil {
		t.Fatal(err)
	}
	fm.Lock()
	fm.states["runtests1"] = &executor.BuilderState{
		Online:          true,
		PendingRequests: []executor.PendingRequest{{Brid: 77, Builder: "runtests1"}},
	}
	fm.Unlock()

	if err := CancelBuild(ctx, s, token(s)); err != nil {
		t.Fatal(err)
	}
	fm.Lock()
	defer fm.Unlock()
	if len(fm.cancelled) != 1 || fm.cancelled[0] != 77 {
		t.Fatalf("expected request 77 cancelled, got %v", fm.cancelled)
	}
	got, _ := ctx.DB.GetActiveStatus(10, s.BID)
	if got != nil {
		t.Fatal("scheduled status must be deactivated")
	}
}

func TestCancelBuildBuildingStops(t *testing.T) {
	ctx, fm := newTestContext(t)
	defer ctx.DB.Close()

	s := seedStatus(t, ctx, 10, "runtests1", "aaa")
	s.Status = db.Building
	s.BuildNumber = 12
	if err := ctx.DB.UpdateStatus(s); err != nil {
		t.Fatal(err)
	}

	if err := CancelBuild(ctx, s, token(s)); err != nil {
		t.Fatal(err)
	}
	fm.Lock()
	defer fm.Unlock()
	if len(fm.stopped) != 1 || fm.stopped[0] != "runtests1/12" {
		t.Fatalf("expected the build to be stopped, got %v", fm.stopped)
	}
}

func TestCancelBuildTerminalIsNoop(t *testing.T) {
	ctx, fm := newTestContext(t)
	defer ctx.DB.Close()

	s := seedStatus(t, ctx, 10, "runtests1", "aaa")
	s.Status = db.Success
	if err := ctx.DB.UpdateStatus(s); err != nil {
		t.Fatal(err)
	}

	if err := CancelBuild(ctx, s, token(s)); err != nil {
		t.Fatal(err)
	}
	fm.Lock()
	defer fm.Unlock()
	if len(fm.cancelled) != 0 || len(fm.stopped) != 0 {
		t.Fatal("a finished build must not touch the master")
	}
}

func TestRetryBuildEnqueuesFreshStatus(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	s := seedStatus(t, ctx, 10, "runtests1", "aaa")
	s.Status = db.Failure
	if err := ctx.DB.UpdateStatus(s); err != nil {
		t.Fatal(err)
	}

	if err := RetryBuild(ctx, 10, s.BID, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := ctx.DB.GetActiveStatus(10, s.BID)
	if got == nil || got.Status != db.InQueue || got.SID == s.SID {
		t.Fatalf("expected a fresh in-queue status, got %+v", got)
	}
}

func TestRetryBuildUnknownPullRequest(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	b, _ := ctx.DB.GetBuilderByName("runtests1")
	err := RetryBuild(ctx, 999, b.BID, "")
	if !util.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRetryBuildPerfNeedsFilter(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	if err := ctx.DB.Run(func(tx *gorm.DB) error {
		return db.InsertPullRequest(tx, &db.PullRequest{PRID: 10, HeadSHA: "aaa"})
	}); err != nil {
		t.Fatal(err)
	}
	perf, _ := ctx.DB.GetBuilderByName("perf")
	err := RetryBuild(ctx, 10, perf.BID, "")
	if _, ok := err.(util.BadRequestError); !ok {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestRetryThenStopLeavesOneInactiveStatus(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	if err := ctx.DB.Run(func(tx *gorm.DB) error {
		return db.InsertPullRequest(tx, &db.PullRequest{PRID: 10, HeadSHA: "aaa"})
	}); err != nil {
		t.Fatal(err)
	}
	b, _ := ctx.DB.GetBuilderByName("runtests1")

	if err := RetryBuild(ctx, 10, b.BID, ""); err != nil {
		t.Fatal(err)
	}
	fresh, _ := ctx.DB.GetActiveStatus(10, b.BID)
	if fresh == nil {
		t.Fatal("retry must leave an active status")
	}
	if err := StopBuild(ctx, 10, b.BID, token(fresh)); err != nil {
		t.Fatal(err)
	}

	active, err := ctx.DB.ListActiveStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active statuses, got %d", len(active))
	}
	var all []db.Status
	if err := ctx.DB.Run(func(tx *gorm.DB) error { return tx.Find(&all).Error }); err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Active {
		t.Fatalf("expected exactly one inactive status, got %+v", all)
	}
}

func TestStopBuildWithoutStatus(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	b, _ := ctx.DB.GetBuilderByName("runtests1")
	err := StopBuild(ctx, 10, b.BID, "1.0")
	if !util.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRevertBuildIsReserved(t *testing.T) {
	ctx, _ := newTestContext(t)
	defer ctx.DB.Close()

	err := RevertBuild(ctx, 10, 1, "1.0")
	if _, ok := err.(util.ConflictError); !ok {
		t.Fatalf("expected Conflict, got %v", err)
	}
}
