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

package db

import (
	"sort"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
)

// The tx-level functions below compose inside a single Run task; the
// Client methods wrap one function in one task each for callers that
// need a single operation.

// GetPullRequest returns the pull request with the given id, or nil.
func GetPullRequest(tx *gorm.DB, prid int64) (*PullRequest, error) {
	var pr PullRequest
	err := tx.Where("id = ?", prid).First(&pr).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListActivePullRequests returns live pull requests, newest first.
func ListActivePullRequests(tx *gorm.DB) ([]PullRequest, error) {
	var prs []PullRequest
	err := tx.Where("status >= 0").Order("id DESC").Find(&prs).Error
	return prs, err
}

// InsertPullRequest adds a new pull request row.
func InsertPullRequest(tx *gorm.DB, pr *PullRequest) error {
	return tx.Create(pr).Error
}

// UpdatePullRequest saves all fields of an existing pull request row.
func UpdatePullRequest(tx *gorm.DB, pr *PullRequest) error {
	return tx.Save(pr).Error
}

// GetBuilder returns the builder with the given id, or nil.
func GetBuilder(tx *gorm.DB, bid int64) (*Builder, error) {
	var b Builder
	err := tx.Where("id = ?", bid).First(&b).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBuilderByName returns the builder with the given internal name, or nil.
func GetBuilderByName(tx *gorm.DB, internalName string) (*Builder, error) {
	var b Builder
	err := tx.Where("internal_name = ?", internalName).First(&b).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListActiveBuilders returns active builders in display order.
func ListActiveBuilders(tx *gorm.DB) ([]Builder, error) {
	var bs []Builder
	err := tx.Where("active = ?", true).Order(`"order" ASC`).Find(&bs).Error
	return bs, err
}

// InsertBuilder adds a new builder row.
func InsertBuilder(tx *gorm.DB, b *Builder) error {
	return tx.Create(b).Error
}

// UpdateBuilder saves all fields of an existing builder row.
func UpdateBuilder(tx *gorm.DB, b *Builder) error {
	return tx.Save(b).Error
}

// BuilderSpec is one configured logical builder handed to StartupReconcile.
type BuilderSpec struct {
	InternalName string
	Name         string
	Builders     []string
	Order        int
	IsPerf       bool
}

// ReconcileBuilders synchronizes the builder table with the configuration.
// Every row is deactivated, then each configured entry is matched by
// internal name (or by display name for renames) and reactivated with the
// configured settings. Reusing a display name still held by an active row
// is a configuration error.
func ReconcileBuilders(tx *gorm.DB, specs []BuilderSpec) error {
	var all []Builder
	if err := tx.Find(&all).Error; err != nil {
		return err
	}
	for i := range all {
		all[i].Active = false
		if err := tx.Save(&all[i]).Error; err != nil {
			return err
		}
	}

	sorted := append([]BuilderSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InternalName < sorted[j].InternalName })

	for _, spec := range sorted {
		b, err := GetBuilderByName(tx, spec.InternalName)
		if err != nil {
			return err
		}
		if b == nil {
			var byName Builder
			err := tx.Where("name = ?", spec.Name).First(&byName).Error
			switch {
			case gorm.IsRecordNotFoundError(err):
				b = &Builder{InternalName: spec.InternalName}
			case err != nil:
				return err
			case byName.Active:
				return errors.Errorf("duplicated builder name %q", spec.Name)
			default:
				b = &byName
				b.InternalName = spec.InternalName
			}
		}
		b.Active = true
		b.Name = spec.Name
		b.Builders = spec.Builders
		b.Order = spec.Order
		b.IsPerf = spec.IsPerf
		if err := tx.Save(b).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetActiveStatus returns the active status for the pair, or nil.
func GetActiveStatus(tx *gorm.DB, prid, bid int64) (*Status, error) {
	var s Status
	err := tx.Where("active = ? AND prid = ? AND bid = ?", true, prid, bid).First(&s).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStatusForBuildRequest returns the status holding the given build
// request id, or nil.
func GetStatusForBuildRequest(tx *gorm.DB, prid, bid, brid int64) (*Status, error) {
	var s Status
	err := tx.Where("prid = ? AND bid = ? AND brid = ?", prid, bid, brid).First(&s).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStatusForBuildNumber returns the status holding the given build
// number, or nil.
func GetStatusForBuildNumber(tx *gorm.DB, prid, bid, buildNumber int64) (*Status, error) {
	var s Status
	err := tx.Where("prid = ? AND bid = ? AND build_number = ?", prid, bid, buildNumber).First(&s).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActiveStatuses returns every active status.
func ListActiveStatuses(tx *gorm.DB) ([]Status, error) {
	var ss []Status
	err := tx.Where("active = ?", true).Find(&ss).Error
	return ss, err
}

// ListActiveStatusesForPullRequest returns the active statuses of one
// pull request.
func ListActiveStatusesForPullRequest(tx *gorm.DB, prid int64) ([]Status, error) {
	var ss []Status
	err := tx.Where("active = ? AND prid = ?", true, prid).Find(&ss).Error
	return ss, err
}

// InsertStatus adds a new status row.
func InsertStatus(tx *gorm.DB, s *Status) error {
	return tx.Create(s).Error
}

// UpdateStatus saves all fields of an existing status row.
func UpdateStatus(tx *gorm.DB, s *Status) error {
	return tx.Save(s).Error
}

// DeleteStatus removes a status row.
func DeleteStatus(tx *gorm.DB, s *Status) error {
	return tx.Delete(s).Error
}

// AppendStatus deactivates any active status for the (prid, bid) pair and
// inserts s as the new active one, all in the surrounding transaction.
func AppendStatus(tx *gorm.DB, s *Status) error {
	prev, err := GetActiveStatus(tx, s.PRID, s.BID)
	if err != nil {
		return err
	}
	if prev != nil {
		prev.Active = false
		if err := tx.Save(prev).Error; err != nil {
			return err
		}
	}
	return tx.Create(s).Error
}

// PickNextForBuilder returns the in-queue active status the builder
// should run next: lowest pull-request priority first, oldest pull
// request breaking ties. Returns nil when the queue is empty.
func PickNextForBuilder(tx *gorm.DB, bid int64) (*Status, error) {
	var s Status
	err := tx.Table("status").Select("status.*").
		Joins("JOIN pullrequest ON pullrequest.id = status.prid").
		Where("status.active = ? AND status.status = ? AND status.bid = ?", true, InQueue, bid).
		Order("pullrequest.priority ASC, pullrequest.id ASC").
		First(&s).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ResetInterruptedBuilds re-queues rows that were mid-flight when the
// service stopped. Enabled by the reset_interrupted_builds setting.
func ResetInterruptedBuilds(tx *gorm.DB) error {
	return tx.Model(&Status{}).
		Where("active = ? AND status IN (?)", true, []BuildStatus{Scheduling, Building}).
		Updates(map[string]interface{}{"status": InQueue, "brid": -1, "build_number": -1}).Error
}

// Convenience single-task wrappers.

// GetPullRequest runs the lookup as one worker task.
func (c *Client) GetPullRequest(prid int64) (*PullRequest, error) {
	var pr *PullRequest
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		pr, err = GetPullRequest(tx, prid)
		return err
	})
	return pr, err
}

// ListActivePullRequests runs the listing as one worker task.
func (c *Client) ListActivePullRequests() ([]PullRequest, error) {
	var prs []PullRequest
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		prs, err = ListActivePullRequests(tx)
		return err
	})
	return prs, err
}

// GetBuilder runs the lookup as one worker task.
func (c *Client) GetBuilder(bid int64) (*Builder, error) {
	var b *Builder
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		b, err = GetBuilder(tx, bid)
		return err
	})
	return b, err
}

// GetBuilderByName runs the lookup as one worker task.
func (c *Client) GetBuilderByName(internalName string) (*Builder, error) {
	var b *Builder
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		b, err = GetBuilderByName(tx, internalName)
		return err
	})
	return b, err
}

// ListActiveBuilders runs the listing as one worker task.
func (c *Client) ListActiveBuilders() ([]Builder, error) {
	var bs []Builder
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		bs, err = ListActiveBuilders(tx)
		return err
	})
	return bs, err
}

// StartupReconcile reconciles the builder table with the configuration
// and optionally re-queues interrupted builds.
func (c *Client) StartupReconcile(specs []BuilderSpec, resetInterrupted bool) error {
	return c.Run(func(tx *gorm.DB) error {
		if err := ReconcileBuilders(tx, specs); err != nil {
			return err
		}
		if resetInterrupted {
			return ResetInterruptedBuilds(tx)
		}
		return nil
	})
}

// GetActiveStatus runs the lookup as one worker task.
func (c *Client) GetActiveStatus(prid, bid int64) (*Status, error) {
	var s *Status
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		s, err = GetActiveStatus(tx, prid, bid)
		return err
	})
	return s, err
}

// ListActiveStatuses runs the listing as one worker task.
func (c *Client) ListActiveStatuses() ([]Status, error) {
	var ss []Status
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		ss, err = ListActiveStatuses(tx)
		return err
	})
	return ss, err
}

// UpdateStatus runs the save as one worker task.
func (c *Client) UpdateStatus(s *Status) error {
	return c.Run(func(tx *gorm.DB) error {
		return UpdateStatus(tx, s)
	})
}

// PickNextForBuilder runs the pick as one worker task.
func (c *Client) PickNextForBuilder(bid int64) (*Status, error) {
	var s *Status
	err := c.Run(func(tx *gorm.DB) error {
		var err error
		s, err = PickNextForBuilder(tx, bid)
		return err
	})
	return s, err
}
