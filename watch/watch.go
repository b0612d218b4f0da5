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

// Package watch periodically reconciles the host's open pull requests
// into the database and enqueues builds for changed heads.
package watch

import (
	"time"

	"github.com/jinzhu/gorm"
	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/scheduler"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
)

const startupDelay = time.Second

// Loop polls the host and keeps the pull-request table in sync with it.
type Loop struct {
	ctx  *service.Context
	log  *logrus.Entry
	stop chan struct{}
}

// NewLoop creates a watch loop for the service context.
func NewLoop(ctx *service.Context) *Loop {
	return &Loop{
		ctx:  ctx,
		log:  ctx.Logger.WithField("component", "watch"),
		stop: make(chan struct{}),
	}
}

// Start logs the current state and begins the update loop. Iterations
// run on one goroutine; a slow iteration skips ticks instead of
// overlapping the next one.
func (l *Loop) Start() error {
	prs, err := l.ctx.DB.ListActivePullRequests()
	if err != nil {
		return err
	}
	l.log.Infof("Number of active pull requests: %d", len(prs))

	l.ctx.SetAllowScheduling(false)

	go func() {
		select {
		case <-time.After(startupDelay):
		case <-l.stop:
			return
		}
		ticker := time.NewTicker(l.ctx.Config().UpdateDelay())
		defer ticker.Stop()
		l.UpdatePullRequests()
		for {
			select {
			case <-ticker.C:
				l.UpdatePullRequests()
			case <-l.stop:
				l.log.Info("Pull requests service is stopping, exit from update loop...")
				return
			}
		}
	}()
	return nil
}

// Stop ends the update loop.
func (l *Loop) Stop() {
	close(l.stop)
}

// UpdatePullRequests runs one reconciliation iteration. Errors in any
// sub-step are logged; the iteration is not aborted.
func (l *Loop) UpdatePullRequests() {
	l.ctx.SetAllowScheduling(false)

	prs, err := l.ctx.Host.ListOpenPullRequests()
	if err != nil {
		l.log.WithError(err).Errorf("Error while updating pull requests: %s", l.ctx.Name())
	} else {
		processed := map[int64]bool{}
		for _, pr := range prs {
			if err := l.updatePR(pr); err != nil {
				l.log.WithField("prid", pr.ID).WithError(err).Error("Error updating pull request.")
			}
			processed[pr.ID] = true
		}
		if err := l.deactivateVanished(processed); err != nil {
			l.log.WithError(err).Error("Error deactivating closed pull requests.")
		}
	}

	l.ctx.SetAllowScheduling(true)
	if err := scheduler.KickActiveBuilders(l.ctx); err != nil {
		l.log.WithError(err).Errorf("Error while updating pull requests: %s", l.ctx.Name())
	}
}

// deactivateVanished marks pull requests the host no longer returns as
// inactive and cancels their builds.
func (l *Loop) deactivateVanished(processed map[int64]bool) error {
	active, err := l.ctx.DB.ListActivePullRequests()
	if err != nil {
		return err
	}
	for i := range active {
		pr := &active[i]
		if processed[pr.PRID] {
			continue
		}
		l.log.Infof("Mark PR #%d inactive", pr.PRID)
		var statuses []db.Status
		err := l.ctx.DB.Run(func(tx *gorm.DB) error {
			pr.Status = -1
			if err := db.UpdatePullRequest(tx, pr); err != nil {
				return err
			}
			var err error
			statuses, err = db.ListActiveStatusesForPullRequest(tx, pr.PRID)
			return err
		})
		if err != nil {
			l.log.WithField("prid", pr.PRID).WithError(err).Error("Error deactivating pull request.")
			continue
		}
		for i := range statuses {
			s := &statuses[i]
			if err := scheduler.CancelBuild(l.ctx, s, ""); err != nil {
				l.log.WithField("prid", pr.PRID).WithError(err).Error("Error canceling build.")
			}
			s.Active = false
			if err := l.ctx.DB.UpdateStatus(s); err != nil {
				l.log.WithField("prid", pr.PRID).WithError(err).Error("Error deactivating build status.")
			}
		}
	}
	return nil
}

// updatePR reconciles one host descriptor into storage and re-queues
// builders when the head moved.
func (l *Loop) updatePR(desc host.PRDescriptor) error {
	var headSHAOld *string
	err := l.ctx.DB.Run(func(tx *gorm.DB) error {
		current, err := db.GetPullRequest(tx, desc.ID)
		if err != nil {
			return err
		}
		if current == nil {
			current = &db.PullRequest{PRID: desc.ID}
			applyDescriptor(current, desc)
			current.Info = desc.Info
			return db.InsertPullRequest(tx, current)
		}
		old := current.HeadSHA
		headSHAOld = &old
		changed := false
		if current.Status < 0 {
			current.Status = 0
			changed = true
		}
		if applyDescriptor(current, desc) {
			changed = true
		}
		if !changed {
			return nil
		}
		// A changed pull request gets a fresh info blob; only the
		// persistent sub-key survives.
		info := map[string]interface{}{}
		if p := current.PersistentInfo(); p != nil {
			info["persistent"] = p
		}
		for k, v := range desc.Info {
			info[k] = v
		}
		current.Info = info
		return db.UpdatePullRequest(tx, current)
	})
	if err != nil {
		return err
	}

	if headSHAOld == nil || *headSHAOld != desc.HeadSHA {
		if err := l.queueBuildersForPR(desc.ID, desc.HeadSHA, headSHAOld); err != nil {
			return err
		}
	}
	l.ctx.OnUpdatePullRequest(desc.ID)
	return nil
}

// applyDescriptor copies every host field onto the row and reports
// whether anything changed.
func applyDescriptor(pr *db.PullRequest, desc host.PRDescriptor) bool {
	changed := false
	setString := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	setString(&pr.Branch, desc.Branch)
	setString(&pr.Author, desc.Author)
	setString(&pr.Assignee, desc.Assignee)
	setString(&pr.HeadUser, desc.HeadUser)
	setString(&pr.HeadRepo, desc.HeadRepo)
	setString(&pr.HeadBranch, desc.HeadBranch)
	setString(&pr.HeadSHA, desc.HeadSHA)
	setString(&pr.Title, desc.Title)
	setString(&pr.Description, desc.Description)
	if pr.Priority != desc.Priority {
		pr.Priority = desc.Priority
		changed = true
	}
	return changed
}

// queueBuildersForPR deactivates stale statuses for every active builder
// and enqueues the eligible ones against the new head.
func (l *Loop) queueBuildersForPR(prid int64, headSHA string, headSHAOld *string) error {
	oldLabel := "<none>"
	if headSHAOld != nil {
		oldLabel = *headSHAOld
	}
	l.log.Infof("Reschedule builders for PR #%d (%q -> %q)", prid, oldLabel, headSHA)

	builders, err := l.ctx.DB.ListActiveBuilders()
	if err != nil {
		return err
	}
	pr, err := l.ctx.DB.GetPullRequest(prid)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}

	cfg := l.ctx.Config()
	auto := l.ctx.GetListOfAutomaticBuilders(pr)
	_, haveFilter := config.ExtractRegressionTestFilter(pr.Description)

	for i := range builders {
		b := &builders[i]
		s, err := l.ctx.DB.GetActiveStatus(prid, b.BID)
		if err != nil {
			return err
		}
		if s != nil {
			if err := scheduler.CancelBuild(l.ctx, s, ""); err != nil {
				l.log.WithField("prid", prid).WithError(err).Error("Error canceling build.")
			}
			s.Active = false
			if err := l.ctx.DB.UpdateStatus(s); err != nil {
				l.log.WithField("prid", prid).WithError(err).Error("Error deactivating build status.")
			}
		}
		if len(auto) > 0 && !containsString(auto, b.Name) && !containsString(auto, b.InternalName) {
			continue
		}
		if b.IsPerf && !haveFilter {
			continue
		}
		if cfg.TrustedAuthors != nil && cfg.Reviewers != nil && headSHAOld == nil &&
			!(containsString(cfg.TrustedAuthors, pr.Author) && containsString(cfg.Reviewers, pr.Assignee)) {
			// Untrusted first sighting; builds wait for a manual restart.
			continue
		}
		err = l.ctx.DB.Run(func(tx *gorm.DB) error {
			return db.AppendStatus(tx, db.NewStatus(prid, b.BID, headSHA))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
