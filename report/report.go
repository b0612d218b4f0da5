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

// Package report pushes build results back to the code host as commit
// statuses.
package report

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
)

const defaultContext = "continuous-integration/pullrequest"

type hostClient interface {
	SetCommitStatus(owner, repo, sha string, s host.CommitStatus) error
}

// Reporter writes one commit status per reported builder name; the
// status context is suffixed with that name.
type Reporter struct {
	hc     hostClient
	config func() *config.Config
	logger *logrus.Entry
}

// NewReporter returns a reporter over the host client.
func NewReporter(hc hostClient, cfg func() *config.Config, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reporter{
		hc:     hc,
		config: cfg,
		logger: logger.WithField("component", "reporter"),
	}
}

// ShouldReport returns whether the result is worth a commit status.
// Queue-internal states never reach the host.
func (r *Reporter) ShouldReport(result db.BuildStatus) bool {
	return result.Terminal()
}

// hostState maps an executor result to a commit-status state.
func hostState(result db.BuildStatus) string {
	switch result {
	case db.Success, db.Warnings, db.Skipped:
		return "success"
	case db.Failure:
		return "failure"
	default:
		return "error"
	}
}

// Report writes the commit status for a finished build. The host adapter
// skips the write when nothing changed, so re-reports are cheap.
func (r *Reporter) Report(pr *db.PullRequest, builderName string, result db.BuildStatus, targetURL string) error {
	if !r.ShouldReport(result) {
		return nil
	}
	cfg := r.config()
	statusContext := cfg.Host.StatusContext
	if statusContext == "" {
		statusContext = defaultContext
	}
	r.logger.Infof("Report PR #%d %s: %s", pr.PRID, builderName, result)
	return r.hc.SetCommitStatus(cfg.Host.Owner, cfg.Host.Repo, pr.HeadSHA, host.CommitStatus{
		State:       hostState(result),
		Description: fmt.Sprintf("Build finished: %s", result),
		TargetURL:   targetURL,
		Context:     fmt.Sprintf("%s/%s", statusContext, builderName),
	})
}
