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

// Package service holds the Context record shared by the watch loop, the
// scheduler and the JSON API. All deployment-specific behavior hangs off
// its hook functions.
package service

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/executor"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
)

// Context carries the collaborators and hooks of one pull-request
// service. It is created once at startup and passed by reference; there
// is no package-level mutable state.
type Context struct {
	ConfigAgent *config.Agent
	DB          *db.Client
	Host        host.Client
	Master      executor.Master
	Logger      *logrus.Entry

	// SchedulerLock serializes scheduling attempts across the whole
	// process; at most one submit dance runs at a time.
	SchedulerLock sync.Mutex

	// allowScheduling gates the scheduler while the watch loop rewrites
	// statuses.
	allowScheduling int32

	// GetBuildProperties fills the property set and source stamps for a
	// submission. Returning false fails the build attempt.
	GetBuildProperties func(pr *db.PullRequest, b *db.Builder, properties map[string]string, sourcestamps *[]executor.SourceStamp) (bool, error)
	// GetListOfAutomaticBuilders returns the builder names enqueued
	// automatically for the pull request; nil means all of them.
	GetListOfAutomaticBuilders func(pr *db.PullRequest) []string
	// OnUpdatePullRequest runs after a pull request was reconciled.
	OnUpdatePullRequest func(prid int64)
	// OnPullRequestBuildFinished runs after a build reached a terminal
	// state.
	OnPullRequestBuildFinished func(prid, bid int64, builderName string, build executor.Build, result int)
	// WebAddressPullRequest returns the browsable address of a pull
	// request.
	WebAddressPullRequest func(pr *db.PullRequest) string
	// WebAddressPerfRegressionReport returns the address of the
	// regression report page for a pull request.
	WebAddressPerfRegressionReport func(pr *db.PullRequest) string
}

// NewContext creates a Context with the default hooks installed.
func NewContext(agent *config.Agent, dbc *db.Client, hostClient host.Client, master executor.Master, logger *logrus.Entry) *Context {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx := &Context{
		ConfigAgent: agent,
		DB:          dbc,
		Host:        hostClient,
		Master:      master,
		Logger:      logger,
	}
	ctx.GetBuildProperties = ctx.defaultBuildProperties
	ctx.GetListOfAutomaticBuilders = ctx.defaultAutomaticBuilders
	ctx.OnUpdatePullRequest = func(int64) {}
	ctx.OnPullRequestBuildFinished = func(prid, bid int64, builderName string, build executor.Build, result int) {
		ctx.OnUpdatePullRequest(prid)
	}
	ctx.WebAddressPullRequest = ctx.defaultWebAddressPullRequest
	ctx.WebAddressPerfRegressionReport = ctx.defaultWebAddressPerfReport
	return ctx
}

// Config returns the current config snapshot.
func (c *Context) Config() *config.Config {
	return c.ConfigAgent.Config()
}

// Name returns the service name stamped on submissions.
func (c *Context) Name() string {
	return c.Config().Name
}

// SetAllowScheduling toggles the scheduler gate.
func (c *Context) SetAllowScheduling(allowed bool) {
	var v int32
	if allowed {
		v = 1
	}
	atomic.StoreInt32(&c.allowScheduling, v)
}

// SchedulingAllowed reports whether the scheduler may submit builds.
func (c *Context) SchedulingAllowed() bool {
	return atomic.LoadInt32(&c.allowScheduling) != 0
}

func (c *Context) defaultBuildProperties(pr *db.PullRequest, b *db.Builder, properties map[string]string, sourcestamps *[]executor.SourceStamp) (bool, error) {
	cfg := c.Config()
	properties["branch"] = pr.Branch
	config.PushBuildProperty(properties, pr.Description, config.RegressionFilterNames, "regression_test_filter")
	*sourcestamps = append(*sourcestamps, executor.SourceStamp{
		Repository: fmt.Sprintf("%s/%s", cfg.Host.Owner, cfg.Host.Repo),
		Branch:     pr.Branch,
		Revision:   pr.HeadSHA,
		Project:    cfg.Host.Repo,
	})
	return true, nil
}

func (c *Context) defaultAutomaticBuilders(pr *db.PullRequest) []string {
	return c.Config().AutomaticBuilders
}

func (c *Context) defaultWebAddressPullRequest(pr *db.PullRequest) string {
	cfg := c.Config()
	base := cfg.Host.WebURL
	if base == "" {
		switch cfg.Host.Provider {
		case "gitlab":
			base = fmt.Sprintf("https://gitlab.com/%s/%s/merge_requests", cfg.Host.Owner, cfg.Host.Repo)
		default:
			base = fmt.Sprintf("https://github.com/%s/%s/pull", cfg.Host.Owner, cfg.Host.Repo)
		}
	}
	return fmt.Sprintf("%s/%d", base, pr.PRID)
}

func (c *Context) defaultWebAddressPerfReport(pr *db.PullRequest) string {
	cfg := c.Config()
	if cfg.Host.PerfReportURL == "" {
		return ""
	}
	return fmt.Sprintf(cfg.Host.PerfReportURL, pr.PRID)
}
