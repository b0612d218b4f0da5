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

// Package host defines the contract between the core and the code-review
// host. Concrete GitHub and GitLab clients live in the subpackages.
package host

// PRDescriptor is the host-neutral projection of one open pull request.
type PRDescriptor struct {
	ID          int64                  `json:"id"`
	Branch      string                 `json:"branch"`
	Author      string                 `json:"author"`
	Assignee    string                 `json:"assignee"`
	HeadUser    string                 `json:"head_user"`
	HeadRepo    string                 `json:"head_repo"`
	HeadBranch  string                 `json:"head_branch"`
	HeadSHA     string                 `json:"head_sha"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Priority    int                    `json:"priority"`
	Info        map[string]interface{} `json:"info,omitempty"`
}

// CommitStatus is one commit status entry on the host.
type CommitStatus struct {
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
	Context     string `json:"context"`
}

// Client is the host operation set the core consumes.
type Client interface {
	// ListOpenPullRequests returns every open pull request of the
	// configured repository.
	ListOpenPullRequests() ([]PRDescriptor, error)
	// SetCommitStatus creates or updates the commit status for
	// s.Context on the given sha. Implementations read the existing
	// statuses first and skip the write when nothing changed.
	SetCommitStatus(owner, repo, sha string, s CommitStatus) error
}
