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

// Package db implements the persistent state of the pull-request service:
// the pullrequest, builder and status tables and the single-writer worker
// that owns the database session.
package db

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// BuildStatus is the lifecycle state of a Status row. Negative values are
// internal queue states; non-negative values are the executor result codes.
type BuildStatus int

const (
	InQueue    BuildStatus = -1
	Scheduling BuildStatus = -2
	Scheduled  BuildStatus = -3
	Building   BuildStatus = -4

	Success   BuildStatus = 0
	Warnings  BuildStatus = 1
	Failure   BuildStatus = 2
	Skipped   BuildStatus = 3
	Exception BuildStatus = 4
	Retry     BuildStatus = 5
)

var buildStatusNames = map[BuildStatus]string{
	InQueue:    "In queue",
	Scheduling: "Scheduling",
	Scheduled:  "Scheduled",
	Building:   "Building",
	Success:    "success",
	Warnings:   "warnings",
	Failure:    "failure",
	Skipped:    "skipped",
	Exception:  "exception",
	Retry:      "retry",
}

func (s BuildStatus) String() string {
	if name, ok := buildStatusNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// Terminal reports whether s is an executor result code.
func (s BuildStatus) Terminal() bool { return s >= Success }

// PullRequest mirrors one open pull request on the code host.
// While Status >= 0 the pull request is live and participates in
// scheduling; Status < 0 marks it closed.
type PullRequest struct {
	PRID        int64  `gorm:"column:id;primary_key"`
	Branch      string `gorm:"column:branch"`
	Author      string `gorm:"column:author"`
	Assignee    string `gorm:"column:assignee"`
	HeadUser    string `gorm:"column:head_user"`
	HeadRepo    string `gorm:"column:head_repo"`
	HeadBranch  string `gorm:"column:head_branch"`
	HeadSHA     string `gorm:"column:head_sha"`
	Title       string `gorm:"column:title"`
	Description string `gorm:"column:description"`
	Priority    int    `gorm:"column:priority"`
	Status      int    `gorm:"column:status"`

	InfoJSON string `gorm:"column:info"`
	// Info is the decoded form of InfoJSON. The "persistent" sub-key
	// survives head-SHA resets.
	Info map[string]interface{} `gorm:"-"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName keeps the historical table name.
func (PullRequest) TableName() string { return "pullrequest" }

// BeforeSave encodes Info into the info column.
func (pr *PullRequest) BeforeSave() error {
	if pr.Info == nil {
		pr.Info = map[string]interface{}{}
	}
	raw, err := json.Marshal(pr.Info)
	if err != nil {
		return errors.Wrap(err, "encoding pullrequest info")
	}
	pr.InfoJSON = string(raw)
	return nil
}

// AfterFind decodes the info column.
func (pr *PullRequest) AfterFind() error {
	pr.Info = map[string]interface{}{}
	if pr.InfoJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(pr.InfoJSON), &pr.Info); err != nil {
		return errors.Wrap(err, "decoding pullrequest info")
	}
	return nil
}

// PersistentInfo returns the value of the "persistent" info sub-key, or nil.
func (pr *PullRequest) PersistentInfo() interface{} {
	if pr.Info == nil {
		return nil
	}
	return pr.Info["persistent"]
}

// Builder is a configured logical builder. Builders lists the executor
// builder names this logical builder targets; the first one is canonical.
type Builder struct {
	BID          int64  `gorm:"column:id;primary_key"`
	InternalName string `gorm:"column:internal_name;unique"`
	Name         string `gorm:"column:name"`
	Order        int    `gorm:"column:order"`
	Active       bool   `gorm:"column:active"`
	IsPerf       bool   `gorm:"column:is_perf"`

	BuildersJSON string   `gorm:"column:builders"`
	Builders     []string `gorm:"-"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName keeps the historical table name.
func (Builder) TableName() string { return "builder" }

// BeforeSave encodes the executor builder list.
func (b *Builder) BeforeSave() error {
	raw, err := json.Marshal(b.Builders)
	if err != nil {
		return errors.Wrap(err, "encoding builder names")
	}
	b.BuildersJSON = string(raw)
	return nil
}

// AfterFind decodes the executor builder list.
func (b *Builder) AfterFind() error {
	b.Builders = nil
	if b.BuildersJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(b.BuildersJSON), &b.Builders); err != nil {
		return errors.Wrap(err, "decoding builder names")
	}
	return nil
}

// Status records a single build attempt for a (pull request, builder) pair.
// At most one Status per pair is active at any time.
type Status struct {
	SID         int64       `gorm:"column:id;primary_key"`
	PRID        int64       `gorm:"column:prid"`
	BID         int64       `gorm:"column:bid"`
	HeadSHA     string      `gorm:"column:head_sha"`
	Brid        int64       `gorm:"column:brid"`
	BuildNumber int64       `gorm:"column:build_number"`
	Status      BuildStatus `gorm:"column:status"`
	Active      bool        `gorm:"column:active"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName keeps the historical table name.
func (Status) TableName() string { return "status" }

// NewStatus returns an active in-queue Status for the pair.
func NewStatus(prid, bid int64, headSHA string) *Status {
	return &Status{
		PRID:        prid,
		BID:         bid,
		HeadSHA:     headSHA,
		Brid:        -1,
		BuildNumber: -1,
		Status:      InQueue,
		Active:      true,
	}
}

// Timestamp converts a row timestamp to UNIX seconds as exposed by the API.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ParseTimestamp parses a UNIX-seconds value produced by Timestamp.
func ParseTimestamp(raw string) (float64, error) {
	return strconv.ParseFloat(raw, 64)
}

// FormatTimestamp renders a UNIX-seconds value as a concurrency token.
func FormatTimestamp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
