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
	"fmt"
	"strings"

	"github.com/jinzhu/gorm"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/util"
)

// CancelBuild takes a status out of play. What that means depends on the
// state: queued rows are just deactivated, scheduled rows additionally
// cancel the pending request on the master, and running builds are
// stopped. Terminal rows are left alone. A stale updatedAt token fails
// with NeedUpdate before anything happens.
func CancelBuild(ctx *service.Context, s *db.Status, updatedAt string) error {
	if err := db.CheckUpdatedAt(s, updatedAt); err != nil {
		return err
	}

	log := ctx.Logger.WithField("prid", s.PRID)

	b, err := ctx.DB.GetBuilder(s.BID)
	if err != nil {
		return err
	}
	if b == nil {
		return util.NotFound(fmt.Sprintf("Invalid builder ID: %d", s.BID))
	}
	builderNames := b.Builders

	switch {
	case s.Status == db.InQueue || s.Status == db.Scheduling:
		s.Active = false
		return ctx.DB.UpdateStatus(s)

	case s.Status == db.Scheduled:
		log.Infof("Cancel scheduled build: PR=%d, builders=%s", s.PRID, strings.Join(builderNames, ","))
		s.Active = false
		if err := ctx.DB.UpdateStatus(s); err != nil {
			return err
		}
		found := false
		for _, name := range builderNames {
			pendings, err := ctx.Master.GetPendingRequests(name)
			if err != nil {
				log.WithError(err).Errorf("Cannot list pending builds on %s.", name)
				continue
			}
			for _, pending := range pendings {
				if pending.Brid != s.Brid {
					continue
				}
				found = true
				if err := ctx.Master.CancelRequest(pending.Brid); err != nil {
					log.WithError(err).Error("Error during canceling build.")
					return err
				}
				log.Infof("Build request for PR #%d (on %s) canceled", s.PRID, name)
			}
		}
		if !found {
			log.Infof("Can't find pending build: PR=%d, builders=%s", s.PRID, strings.Join(builderNames, ","))
		}
		return nil

	case s.Status == db.Building:
		log.Infof("Stop processing build: PR=%d, builders=%s", s.PRID, strings.Join(builderNames, ","))
		for _, name := range builderNames {
			if err := ctx.Master.StopBuild(name, s.BuildNumber, "canceled by PR service"); err != nil {
				log.WithError(err).Errorf("Cannot stop build #%d on %s.", s.BuildNumber, name)
			}
		}
		return nil

	case s.Status >= db.Success:
		log.Infof("Build was already finished with status=%s: PR=%d, builders=%s",
			s.Status, s.PRID, strings.Join(builderNames, ","))
		return nil
	}
	return fmt.Errorf("unexpected build status %d", s.Status)
}

// RetryBuild cancels any current status for the pair and enqueues a
// fresh one.
func RetryBuild(ctx *service.Context, prid, bid int64, updatedAt string) error {
	s, err := ctx.DB.GetActiveStatus(prid, bid)
	if err != nil {
		return err
	}
	if s != nil {
		if err := CancelBuild(ctx, s, updatedAt); err != nil {
			if util.IsNeedUpdate(err) {
				return err
			}
			ctx.Logger.WithError(err).Error("Error canceling build before retry.")
		}
		s.Active = false
		if err := ctx.DB.UpdateStatus(s); err != nil {
			return err
		}
	}

	return ctx.DB.Run(func(tx *gorm.DB) error {
		pr, err := db.GetPullRequest(tx, prid)
		if err != nil {
			return err
		}
		if pr == nil {
			return util.NotFound(fmt.Sprintf("Invalid PR: %d", prid))
		}
		b, err := db.GetBuilder(tx, bid)
		if err != nil {
			return err
		}
		if b == nil {
			return util.NotFound(fmt.Sprintf("Invalid builder ID: %d", bid))
		}
		if _, ok := config.ExtractRegressionTestFilter(pr.Description); !ok && b.IsPerf {
			return util.BadRequest("Can't queue perf builder without regression filter")
		}
		return db.AppendStatus(tx, db.NewStatus(prid, bid, pr.HeadSHA))
	})
}

// StopBuild cancels the active status for the pair. The updatedAt token
// is required by the API layer.
func StopBuild(ctx *service.Context, prid, bid int64, updatedAt string) error {
	s, err := ctx.DB.GetActiveStatus(prid, bid)
	if err != nil {
		return err
	}
	if s == nil {
		return util.NotFound(fmt.Sprintf("No active build status: PR=%d, builder=%d", prid, bid))
	}
	return CancelBuild(ctx, s, updatedAt)
}

// RevertBuild is a reserved hook; the core does not implement it.
func RevertBuild(ctx *service.Context, prid, bid int64, updatedAt string) error {
	return util.Conflict("revert is not supported for this service")
}
