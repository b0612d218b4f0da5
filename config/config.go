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

// Package config knows how to read and parse the service config file.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/ghodss/yaml"
)

// Config is a read-only snapshot of the service config.
type Config struct {
	// Name identifies this pull-request service. It is stamped on every
	// build submission and filters executor callbacks when several
	// services share one master.
	Name string `json:"name,omitempty"`
	// DBName is the base name of the SQLite file ("<dbname>.sqlite").
	DBName string `json:"dbname,omitempty"`
	// URLPath is the mount point of the JSON API.
	URLPath string `json:"urlpath,omitempty"`

	// UpdatePullRequestsDelay is the watch-loop period in seconds.
	UpdatePullRequestsDelay int `json:"update_pullrequests_delay,omitempty"`

	// Builders maps internal builder names to their configuration.
	Builders map[string]BuilderConfig `json:"builders,omitempty"`

	// TrustedAuthors and Reviewers gate automatic builds for pull
	// requests seen for the first time. Both nil means no limitations.
	TrustedAuthors []string `json:"trusted_authors,omitempty"`
	Reviewers      []string `json:"reviewers,omitempty"`

	// AutomaticBuilders restricts which builders are enqueued
	// automatically on a head change. Empty means all of them.
	AutomaticBuilders []string `json:"automatic_builders,omitempty"`

	// ResetInterruptedBuilds re-queues SCHEDULING/BUILDING rows on
	// startup instead of leaving them in their interrupted state.
	ResetInterruptedBuilds bool `json:"reset_interrupted_builds,omitempty"`

	Host     Host     `json:"host,omitempty"`
	Executor Executor `json:"executor,omitempty"`
}

// BuilderConfig is one logical builder entry.
type BuilderConfig struct {
	// Name is the display name shown by the UI.
	Name string `json:"name"`
	// Builders is the ordered list of executor builder names; the first
	// one is canonical.
	Builders []string `json:"builders"`
	Order    int      `json:"order"`
	// IsPerf marks performance builders, which only run when the pull
	// request opts in via a regression filter.
	IsPerf bool `json:"isPerf,omitempty"`
}

// Host configures the code-review host adapter.
type Host struct {
	// Provider is "github" or "gitlab".
	Provider string `json:"provider,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Repo     string `json:"repo,omitempty"`
	// StatusContext is the commit-status context name written by the
	// reporter.
	StatusContext string `json:"status_context,omitempty"`
	// WebURL is the browsable host address used to build pull-request
	// links.
	WebURL string `json:"web_url,omitempty"`
	// PerfReportURL is the address template of the regression report
	// page, with %d replaced by the pull request id.
	PerfReportURL string `json:"perf_report_url,omitempty"`
}

// Executor configures the build-master adapter.
type Executor struct {
	MasterURL string `json:"master_url,omitempty"`
	// RequestTimeoutString compiles into RequestTimeout at load time.
	RequestTimeoutString string        `json:"request_timeout,omitempty"`
	RequestTimeout       time.Duration `json:"-"`
}

// UpdateDelay returns the watch-loop period.
func (c *Config) UpdateDelay() time.Duration {
	return time.Duration(c.UpdatePullRequestsDelay) * time.Second
}

// Load loads and parses the config at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	nc := &Config{}
	if err := yaml.Unmarshal(b, nc); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	if err := parseConfig(nc); err != nil {
		return nil, err
	}
	return nc, nil
}

func parseConfig(c *Config) error {
	if c.Name == "" {
		c.Name = "Pull Requests"
	}
	if c.DBName == "" {
		c.DBName = "pullrequests"
	}
	if c.URLPath == "" {
		c.URLPath = "pullrequests"
	}
	if c.UpdatePullRequestsDelay == 0 {
		c.UpdatePullRequestsDelay = 120
	}

	names := map[string]string{}
	for internalName, b := range c.Builders {
		if b.Name == "" {
			return fmt.Errorf("builder %s has no display name", internalName)
		}
		if len(b.Builders) == 0 {
			return fmt.Errorf("builder %s targets no executor builders", internalName)
		}
		if prev, ok := names[b.Name]; ok {
			return fmt.Errorf("builders %s and %s share display name %q", prev, internalName, b.Name)
		}
		names[b.Name] = internalName
	}

	switch c.Host.Provider {
	case "", "github", "gitlab":
	default:
		return fmt.Errorf("unknown host provider %q", c.Host.Provider)
	}

	if c.Executor.RequestTimeoutString == "" {
		c.Executor.RequestTimeout = 60 * time.Second
	} else {
		d, err := time.ParseDuration(c.Executor.RequestTimeoutString)
		if err != nil {
			return fmt.Errorf("cannot parse duration for request_timeout: %v", err)
		}
		c.Executor.RequestTimeout = d
	}
	return nil
}

// InternalNameForBuilder resolves an executor builder name to the internal
// name of the logical builder that targets it.
func (c *Config) InternalNameForBuilder(builderName string) (string, error) {
	for internalName, b := range c.Builders {
		for _, name := range b.Builders {
			if name == builderName {
				return internalName, nil
			}
		}
	}
	return "", fmt.Errorf("unknown builder: %s", builderName)
}
