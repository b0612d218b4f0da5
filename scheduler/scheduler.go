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

// Package scheduler hands queued statuses to idle builders one at a time
// and folds executor callbacks back into state transitions.
package scheduler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/executor"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
)

// TryScheduleForBuilder picks the next queued status for the builder and
// submits it to the master. At most one submission runs at a time across
// the process, and a builder with pending requests is never handed a
// second one.
func TryScheduleForBuilder(ctx *service.Context, builderName string) error {
	if !ctx.SchedulingAllowed() {
		return nil
	}

	ctx.SchedulerLock.Lock()
	defer ctx.SchedulerLock.Unlock()

	log := ctx.Logger.WithField("builder", builderName)

	internalName, err := ctx.Config().InternalNameForBuilder(builderName)
	if err != nil {
		return err
	}
	b, err := ctx.DB.GetBuilderByName(internalName)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("builder %s is not in the database", internalName)
	}

	state, err := ctx.Master.GetBuilderState(builderName)
	if err != nil {
		log.WithError(err).Error("Cannot query builder state.")
		return nil
	}
	if !state.Online {
		return nil
	}
	if len(state.PendingRequests) > 0 {
		return nil
	}

	s, err := ctx.DB.PickNextForBuilder(b.BID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	log.Infof("PR #%d scheduling job on builder=%s", s.PRID, b.Name)

	s.Status = db.Scheduling
	if err := ctx.DB.UpdateStatus(s); err != nil {
		return err
	}

	if err := submit(ctx, log, b, s, builderName); err != nil {
		log.WithError(err).Error("Error submitting build.")
		s.Status = db.Exception
		if uerr := ctx.DB.UpdateStatus(s); uerr != nil {
			log.WithError(uerr).Error("Cannot record submit exception.")
		}
	}
	return nil
}

func submit(ctx *service.Context, log *logrus.Entry, b *db.Builder, s *db.Status, builderName string) error {
	pr, err := ctx.DB.GetPullRequest(s.PRID)
	if err != nil {
		return err
	}
	if pr == nil {
		return fmt.Errorf("pull request %d vanished", s.PRID)
	}

	properties := map[string]string{
		executor.PropertyService:     ctx.Name(),
		executor.PropertyPullRequest: fmt.Sprintf("%d", s.PRID),
		executor.PropertyHeadSHA:     pr.HeadSHA,
	}
	var sourcestamps []executor.SourceStamp
	ok, err := ctx.GetBuildProperties(pr, b, properties, &sourcestamps)
	if err != nil {
		return err
	}
	if !ok {
		log.Errorf("Can't get build properties: PR #%d builder=%s", s.PRID, b.Name)
		s.Status = db.Failure
		return ctx.DB.UpdateStatus(s)
	}

	result, err := ctx.Master.SubmitBuildSet(executor.BuildSet{
		SourceStamps: sourcestamps,
		Properties:   properties,
		Builder:      builderName,
		Reason:       fmt.Sprintf("#%d (%s) on %s", s.PRID, pr.HeadSHA, builderName),
		ExternalID:   fmt.Sprintf("PR #%d", s.PRID),
	})
	if err != nil {
		return err
	}

	s.Brid = result.Brid
	return ctx.DB.UpdateStatus(s)
}

// KickActiveBuilders calls TryScheduleForBuilder for the canonical
// executor builder of every active logical builder. The watch loop uses
// it after reconciliation re-enables scheduling.
func KickActiveBuilders(ctx *service.Context) error {
	builders, err := ctx.DB.ListActiveBuilders()
	if err != nil {
		return err
	}
	for _, b := range builders {
		if len(b.Builders) == 0 {
			continue
		}
		if err := TryScheduleForBuilder(ctx, b.Builders[0]); err != nil {
			ctx.Logger.WithField("builder", b.Name).WithError(err).Error("Error scheduling builder.")
		}
	}
	return nil
}
