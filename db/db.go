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
	"fmt"
	"sync"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/util"
)

// Task runs inside the worker with the session transaction. Returning an
// error rolls the transaction back; otherwise it is committed before the
// submitting caller resumes.
type Task func(tx *gorm.DB) error

type taskRequest struct {
	fn   Task
	done chan error
}

// Client owns the SQLite session. All reads and writes are funneled
// through one worker goroutine, which serializes every mutation and
// removes the need for row-level locking in application code.
type Client struct {
	logger *logrus.Entry
	orm    *gorm.DB

	tasks chan taskRequest

	closeMut sync.RWMutex
	closed   bool
	stopped  chan struct{}
}

// Open opens (or creates) the database file for the named service context
// and starts the worker. The file is "<dbname>.sqlite" as before.
func Open(dbname string, logger *logrus.Entry) (*Client, error) {
	return open(fmt.Sprintf("%s.sqlite", dbname), logger)
}

// OpenInMemory opens a throwaway in-memory database. Used by tests.
func OpenInMemory(logger *logrus.Entry) (*Client, error) {
	return open(":memory:", logger)
}

func open(path string, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	orm, err := gorm.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %s", path)
	}
	// The session is single-owner; one connection also keeps an
	// in-memory database alive across tasks.
	orm.DB().SetMaxOpenConns(1)
	if err := orm.AutoMigrate(&PullRequest{}, &Builder{}, &Status{}).Error; err != nil {
		orm.Close()
		return nil, errors.Wrap(err, "migrating database schema")
	}
	c := &Client{
		logger:  logger.WithField("client", "db"),
		orm:     orm,
		tasks:   make(chan taskRequest),
		stopped: make(chan struct{}),
	}
	go c.worker()
	return c, nil
}

// worker is the only goroutine that touches the session.
func (c *Client) worker() {
	defer close(c.stopped)
	for req := range c.tasks {
		req.done <- c.runOne(req.fn)
	}
}

func (c *Client) runOne(fn Task) error {
	tx := c.orm.Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

// Run submits fn to the worker and waits for its result. The transaction
// is committed before Run returns, so observers started afterwards see
// stable state. Storage errors propagate to the caller unchanged.
func (c *Client) Run(fn Task) error {
	done := make(chan error, 1)
	c.closeMut.RLock()
	if c.closed {
		c.closeMut.RUnlock()
		return errors.New("database worker is stopped")
	}
	c.tasks <- taskRequest{fn: fn, done: done}
	c.closeMut.RUnlock()
	return <-done
}

// Close drains the worker and closes the session.
func (c *Client) Close() error {
	c.closeMut.Lock()
	if !c.closed {
		c.closed = true
		close(c.tasks)
	}
	c.closeMut.Unlock()
	<-c.stopped
	return c.orm.Close()
}

// CheckUpdatedAt validates an optimistic-concurrency token against a row
// timestamp. An empty token passes; a mismatch yields NeedUpdate.
func CheckUpdatedAt(s *Status, raw string) error {
	if raw == "" {
		return nil
	}
	v, err := ParseTimestamp(raw)
	if err != nil {
		return util.BadRequest(fmt.Sprintf("invalid updated_at value %q", raw))
	}
	if v != Timestamp(s.UpdatedAt) {
		return util.NeedUpdate("Object state was changed")
	}
	return nil
}
