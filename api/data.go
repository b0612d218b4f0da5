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

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jinzhu/gorm"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
)

// apiData is a per-request snapshot: the active builders, pull requests
// and statuses are fetched once and every document is projected from the
// local copy.
type apiData struct {
	ctx *service.Context

	showOperations bool
	showPerf       bool
	showRevert     bool

	builders     []db.Builder
	pullrequests []db.PullRequest
	statuses     []db.Status
}

func (s *Server) newAPIData(r *http.Request, publicOnly bool) (*apiData, error) {
	d := &apiData{ctx: s.ctx}
	if !publicOnly {
		d.showOperations = s.authz.ActionAllowed("forceBuild", r)
		d.showPerf = s.authz.ActionAllowed("prShowPerf", r)
		d.showRevert = s.authz.ActionAllowed("prRevertBuild", r)
	}
	err := s.ctx.DB.Run(func(tx *gorm.DB) error {
		var err error
		if d.builders, err = db.ListActiveBuilders(tx); err != nil {
			return err
		}
		if d.pullrequests, err = db.ListActivePullRequests(tx); err != nil {
			return err
		}
		d.statuses, err = db.ListActiveStatuses(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *apiData) getPR(prid int64) *db.PullRequest {
	for i := range d.pullrequests {
		if d.pullrequests[i].PRID == prid {
			return &d.pullrequests[i]
		}
	}
	return nil
}

func (d *apiData) getBuilder(bid int64) *db.Builder {
	for i := range d.builders {
		if d.builders[i].BID == bid {
			return &d.builders[i]
		}
	}
	return nil
}

func (d *apiData) statusesForPR(prid int64) []db.Status {
	var out []db.Status
	for _, s := range d.statuses {
		if s.PRID == prid {
			out = append(out, s)
		}
	}
	return out
}

// buildersList projects the builder table, keyed by display order.
func (d *apiData) buildersList() map[int]interface{} {
	result := map[int]interface{}{}
	for _, b := range d.builders {
		if b.IsPerf && !d.showPerf {
			continue
		}
		result[b.Order] = map[string]interface{}{
			"id":         fmt.Sprintf("%d", b.BID),
			"name":       b.Name,
			"short_name": b.Name,
			"order":      b.Order,
			"status":     "active",
		}
	}
	return result
}

// pullRequestInfo projects one pull request with its build statuses.
func (d *apiData) pullRequestInfo(pr *db.PullRequest) map[string]interface{} {
	result := map[string]interface{}{
		"id":          pr.PRID,
		"branch":      pr.Branch,
		"author":      pr.Author,
		"assignee":    pr.Assignee,
		"head_user":   pr.HeadUser,
		"head_repo":   pr.HeadRepo,
		"head_branch": pr.HeadBranch,
		"head_sha":    pr.HeadSHA,
		"title":       pr.Title,
		"description": pr.Description,
		"priority":    pr.Priority,
		"status":      pr.Status,
		"info":        pr.Info,
		"created_at":  db.Timestamp(pr.CreatedAt),
		"updated_at":  db.Timestamp(pr.UpdatedAt),
		"url":         d.ctx.WebAddressPullRequest(pr),
	}
	if _, ok := config.ExtractRegressionTestFilter(pr.Description); ok {
		if url := d.ctx.WebAddressPerfRegressionReport(pr); url != "" {
			result["url_perf_report"] = url
		}
	}
	result["buildstatus"] = d.pullRequestStatuses(pr)
	return result
}

// pullRequestStatuses projects the per-builder statuses keyed by builder
// id.
func (d *apiData) pullRequestStatuses(pr *db.PullRequest) map[int64]interface{} {
	statuses := d.statusesForPR(pr.PRID)
	result := map[int64]interface{}{}
	for i := range d.builders {
		b := &d.builders[i]
		if s := d.pullRequestStatus(pr, b, statuses, false); s != nil {
			result[b.BID] = s
		}
	}
	return result
}

// pullRequestStatusesShort projects the short form keyed by builder
// display name, as consumed by merge bots.
func (d *apiData) pullRequestStatusesShort(pr *db.PullRequest) map[string]interface{} {
	statuses := d.statusesForPR(pr.PRID)
	result := map[string]interface{}{}
	for i := range d.builders {
		b := &d.builders[i]
		if s := d.pullRequestStatus(pr, b, statuses, true); s != nil {
			result[b.Name] = s
		}
	}
	return result
}

// pullRequestStatus projects one (pull request, builder) cell. Returns
// nil when the cell is hidden (perf builders without opt-in or without
// the prShowPerf right).
func (d *apiData) pullRequestStatus(pr *db.PullRequest, b *db.Builder, statuses []db.Status, shortMode bool) map[string]interface{} {
	if b.IsPerf && !d.showPerf {
		return nil
	}
	_, haveFilter := config.ExtractRegressionTestFilter(pr.Description)

	var bstatus *db.Status
	for i := range statuses {
		if statuses[i].BID == b.BID {
			bstatus = &statuses[i]
			break
		}
	}

	s := map[string]interface{}{}
	var operations []string
	if haveFilter || !b.IsPerf {
		if bstatus != nil {
			if !shortMode {
				s["created_at"] = db.Timestamp(bstatus.CreatedAt)
				s["updated_at"] = db.Timestamp(bstatus.UpdatedAt)
				if bstatus.BuildNumber >= 0 {
					s["build_number"] = bstatus.BuildNumber
					s["build_url"] = fmt.Sprintf("builders/%s/builds/%d", b.Builders[0], bstatus.BuildNumber)
				}
			}
			s["last_update"] = time.Since(bstatus.UpdatedAt).Seconds()

			stopAvailable := true
			switch bstatus.Status {
			case db.InQueue:
				s["status"] = "queued"
			case db.Scheduling:
				s["status"] = "scheduling"
			case db.Scheduled:
				s["status"] = "scheduled"
			case db.Building:
				s["status"] = "building"
			case db.Success:
				s["status"] = "success"
				stopAvailable = false
			case db.Warnings:
				s["status"] = "warnings"
				stopAvailable = false
			case db.Failure:
				s["status"] = "failure"
				stopAvailable = false
			default:
				s["status"] = "exception"
				stopAvailable = false
			}
			if d.showOperations {
				if bstatus.Status != db.InQueue {
					operations = append(operations, "restart")
				}
				if stopAvailable {
					operations = append(operations, "stop")
				} else if d.showRevert {
					operations = append(operations, "revert")
				}
			}
		} else {
			s["status"] = "not_queued"
			if d.showOperations {
				operations = append(operations, "restart")
			}
		}
	}

	if !shortMode && len(operations) > 0 {
		s["operations"] = operations
		s["operations_url"] = fmt.Sprintf("%s/%d/%d", d.ctx.Config().URLPath, pr.PRID, b.BID)
	}

	if len(s) == 0 {
		return nil
	}
	return s
}
