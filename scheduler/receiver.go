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
	"strconv"

	"github.com/jinzhu/gorm"
	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/executor"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
)

// Receiver folds executor callbacks into status transitions. Errors are
// logged and never handed back to the executor. Each callback routes its
// database work through the worker; transitions for the same status are
// therefore serialized in arrival order.
type Receiver struct {
	ctx *service.Context
	log *logrus.Entry
}

// NewReceiver creates the callback receiver for the service context.
func NewReceiver(ctx *service.Context) *Receiver {
	return &Receiver{
		ctx: ctx,
		log: ctx.Logger.WithField("component", "receiver"),
	}
}

// match filters callback properties: only events stamped with this
// service's name and a pull-request id are ours.
func (r *Receiver) match(properties map[string]string) (int64, bool) {
	if properties[executor.PropertyService] != r.ctx.Name() {
		return 0, false
	}
	raw, ok := properties[executor.PropertyPullRequest]
	if !ok {
		return 0, false
	}
	prid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return prid, true
}

func (r *Receiver) builderFor(builderName string) *db.Builder {
	internalName, err := r.ctx.Config().InternalNameForBuilder(builderName)
	if err != nil {
		r.log.WithError(err).Errorf("Unknown builder: %s", builderName)
		return nil
	}
	b, err := r.ctx.DB.GetBuilderByName(internalName)
	if err != nil {
		r.log.WithError(err).Errorf("Cannot look up builder: %s", internalName)
		return nil
	}
	if b == nil {
		r.log.Errorf("Builder %s is not in the database", internalName)
	}
	return b
}

// BuilderChangedState schedules the next queued build when a builder
// goes idle.
func (r *Receiver) BuilderChangedState(builderName, state string) {
	switch state {
	case "idle":
		r.log.Infof("idle: %s", builderName)
		if err := TryScheduleForBuilder(r.ctx, builderName); err != nil {
			r.log.WithError(err).Errorf("Error scheduling for %s.", builderName)
		}
	case "offline":
		r.log.Infof("offline: %s", builderName)
	}
}

// RequestSubmitted records a build request the master accepted. An
// unknown request materializes a SCHEDULED status (the request was
// submitted outside this process's memory, e.g. before a restart); a
// request for an inactive status is cancelled right away.
func (r *Receiver) RequestSubmitted(req executor.PendingRequest) {
	prid, ok := r.match(req.Properties)
	if !ok {
		return
	}
	b := r.builderFor(req.Builder)
	if b == nil {
		return
	}
	sha := req.Properties[executor.PropertyHeadSHA]

	cancel := false
	err := r.ctx.DB.Run(func(tx *gorm.DB) error {
		pr, err := db.GetPullRequest(tx, prid)
		if err != nil {
			return err
		}
		if pr == nil {
			r.log.Warnf("requestSubmitted(%s): PR #%d: unknown pull request. Ignore", req.Builder, prid)
			return nil
		}
		s, err := db.GetStatusForBuildRequest(tx, prid, b.BID, req.Brid)
		if err != nil {
			return err
		}
		if s == nil {
			r.log.Infof("requestSubmitted(%s #%d): PR #%d: adding new builder status", req.Builder, req.Brid, prid)
			ns := db.NewStatus(prid, b.BID, sha)
			ns.Status = db.Scheduled
			ns.Brid = req.Brid
			return db.AppendStatus(tx, ns)
		}
		if sha != s.HeadSHA {
			r.log.Warnf("requestSubmitted(%s): PR #%d: wrong commit hash (request %s vs build status %s). Ignore",
				req.Builder, prid, sha, s.HeadSHA)
			return nil
		}
		r.log.Infof("requestSubmitted(%s): PR #%d", req.Builder, prid)
		if s.Active {
			s.Status = db.Scheduled
			return db.UpdateStatus(tx, s)
		}
		cancel = true
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Error handling requestSubmitted.")
		return
	}
	if cancel {
		if err := r.ctx.Master.CancelRequest(req.Brid); err != nil {
			r.log.WithError(err).Errorf("Cannot cancel request %d.", req.Brid)
			return
		}
		r.log.Infof("Build request for PR #%d (on %s) canceled (start inactive build)", prid, req.Builder)
	}
}

// BuildStarted marks the status BUILDING. A build for a status that was
// deactivated in the meantime is stopped.
func (r *Receiver) BuildStarted(builderName string, build executor.Build) {
	prid, ok := r.match(build.Properties)
	if !ok {
		return
	}
	b := r.builderFor(builderName)
	if b == nil {
		return
	}
	sha := build.Properties[executor.PropertyHeadSHA]

	stop := false
	err := r.ctx.DB.Run(func(tx *gorm.DB) error {
		s, err := db.GetStatusForBuildRequest(tx, prid, b.BID, build.RequestID)
		if err != nil {
			return err
		}
		if s == nil {
			r.log.Warnf("buildStarted(%s): PR #%d: can't find build status. Ignore", builderName, prid)
			return nil
		}
		if sha != s.HeadSHA {
			r.log.Errorf("buildStarted(%s): PR #%d: wrong commit hash (build %s vs expected %s). Ignore",
				builderName, prid, sha, s.HeadSHA)
			return nil
		}
		r.log.Infof("buildStarted(%s): PR #%d", builderName, prid)
		s.Status = db.Building
		s.BuildNumber = build.Number
		if err := db.UpdateStatus(tx, s); err != nil {
			return err
		}
		stop = !s.Active
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Error handling buildStarted.")
		return
	}
	if stop {
		r.log.Warnf("buildStarted(%s): PR #%d. Stop inactive build", builderName, prid)
		if err := r.ctx.Master.StopBuild(builderName, build.Number, "canceled by PR service (run inactive)"); err != nil {
			r.log.WithError(err).Errorf("Cannot stop build #%d on %s.", build.Number, builderName)
		}
	}
}

// BuildFinished records the executor's terminal result.
func (r *Receiver) BuildFinished(builderName string, build executor.Build, result int) {
	prid, ok := r.match(build.Properties)
	if !ok {
		return
	}
	b := r.builderFor(builderName)
	if b == nil {
		return
	}
	sha := build.Properties[executor.PropertyHeadSHA]

	finished := false
	err := r.ctx.DB.Run(func(tx *gorm.DB) error {
		s, err := db.GetStatusForBuildNumber(tx, prid, b.BID, build.Number)
		if err != nil {
			return err
		}
		if s == nil {
			r.log.Warnf("buildFinished(%s): PR #%d: can't find build status. Ignore", builderName, prid)
			return nil
		}
		if sha != s.HeadSHA {
			r.log.Errorf("buildFinished(%s): PR #%d: wrong commit hash (build %s vs expected %s)",
				builderName, prid, sha, s.HeadSHA)
			return nil
		}
		r.log.Infof("buildFinished(%s): PR #%d", builderName, prid)
		s.Status = db.BuildStatus(result)
		if err := db.UpdateStatus(tx, s); err != nil {
			return err
		}
		finished = true
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Error handling buildFinished.")
		return
	}
	if finished {
		r.ctx.OnPullRequestBuildFinished(prid, b.BID, builderName, build, result)
	}
}

// RequestCancelled re-queues an active status whose request the master
// dropped.
func (r *Receiver) RequestCancelled(builderName string, req executor.PendingRequest) {
	prid, ok := r.match(req.Properties)
	if !ok {
		return
	}
	b := r.builderFor(builderName)
	if b == nil {
		return
	}
	sha := req.Properties[executor.PropertyHeadSHA]

	err := r.ctx.DB.Run(func(tx *gorm.DB) error {
		s, err := db.GetActiveStatus(tx, prid, b.BID)
		if err != nil {
			return err
		}
		if s == nil {
			return nil
		}
		if sha != s.HeadSHA {
			r.log.Warnf("requestCancelled(%s): PR #%d: wrong commit hash (request %s vs build status %s). Ignore",
				builderName, prid, sha, s.HeadSHA)
			return nil
		}
		r.log.Infof("requestCancelled(%s): PR #%d", builderName, prid)
		s.Status = db.InQueue
		s.BuildNumber = -1
		s.Brid = -1
		return db.UpdateStatus(tx, s)
	})
	if err != nil {
		r.log.WithError(err).Error("Error handling requestCancelled.")
	}
}
