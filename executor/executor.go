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

// Package executor adapts a buildbot-like build master: submitting,
// cancelling and stopping builds, and receiving builder lifecycle
// callbacks.
package executor

// Property names the scheduler stamps on every submitted build set.
// Callbacks are filtered on them.
const (
	PropertyService     = "pullrequest_service"
	PropertyPullRequest = "pullrequest"
	PropertyHeadSHA     = "head_sha"
)

// PendingRequest is a build request the master has accepted but not
// started.
type PendingRequest struct {
	Brid       int64             `json:"brid"`
	Builder    string            `json:"buildername"`
	Properties map[string]string `json:"properties,omitempty"`
}

// BuilderState is the master's view of one builder.
type BuilderState struct {
	Online          bool
	PendingRequests []PendingRequest
}

// SourceStamp describes one code revision a build runs against.
type SourceStamp struct {
	Codebase     string `json:"codebase,omitempty"`
	Repository   string `json:"repository"`
	Branch       string `json:"branch,omitempty"`
	Revision     string `json:"revision,omitempty"`
	Project      string `json:"project"`
	PatchBody    string `json:"patch_body,omitempty"`
	PatchLevel   int    `json:"patch_level,omitempty"`
	PatchAuthor  string `json:"patch_author,omitempty"`
	PatchComment string `json:"patch_comment,omitempty"`
}

// BuildSet is one build submission.
type BuildSet struct {
	SourceStamps []SourceStamp     `json:"sourcestamps"`
	Properties   map[string]string `json:"properties"`
	Builder      string            `json:"builder"`
	Reason       string            `json:"reason"`
	ExternalID   string            `json:"external_id"`
}

// BuildSetResult carries the ids the master assigned to a submission.
type BuildSetResult struct {
	Bsid int64 `json:"bsid"`
	Brid int64 `json:"brid"`
}

// Build is the master's view of one running or finished build.
type Build struct {
	Number     int64             `json:"number"`
	RequestID  int64             `json:"request_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Master is the build-executor operation set the core consumes.
type Master interface {
	// GetBuilderState returns whether the builder is online and its
	// pending requests.
	GetBuilderState(name string) (*BuilderState, error)
	// GetPendingRequests returns the builder's pending requests.
	GetPendingRequests(name string) ([]PendingRequest, error)
	// SubmitBuildSet creates a source stamp set and a build request.
	SubmitBuildSet(bs BuildSet) (*BuildSetResult, error)
	// CancelRequest cancels a pending build request.
	CancelRequest(brid int64) error
	// StopBuild stops a running build.
	StopBuild(builderName string, buildNumber int64, reason string) error
}

// StatusReceiver handles builder lifecycle callbacks. Implementations
// must route their work into the database worker; callbacks are
// delivered on the event server's goroutines.
type StatusReceiver interface {
	BuilderChangedState(builderName, state string)
	RequestSubmitted(req PendingRequest)
	RequestCancelled(builderName string, req PendingRequest)
	BuildStarted(builderName string, build Build)
	BuildFinished(builderName string, build Build, result int)
}
