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

package executor

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Event is the payload the master posts for a builder lifecycle change.
type Event struct {
	Builder string          `json:"builder"`
	State   string          `json:"state,omitempty"`
	Request *PendingRequest `json:"request,omitempty"`
	Build   *Build          `json:"build,omitempty"`
	Result  int             `json:"result,omitempty"`
}

// EventServer implements http.Handler. It validates incoming master
// callbacks and dispatches them to the status receiver.
type EventServer struct {
	Receiver   StatusReceiver
	HMACSecret []byte
}

// ValidatePayload ensures that the request payload signature matches the
// key.
func ValidatePayload(payload []byte, sig string, key []byte) bool {
	if !strings.HasPrefix(sig, "sha1=") {
		return false
	}
	sig = sig[5:]
	sb, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(sb, expected)
}

// PayloadSignature returns the signature an event sender is expected to
// attach for the given payload and key.
func PayloadSignature(payload []byte, key []byte) string {
	mac := hmac.New(sha1.New, key)
	mac.Write(payload)
	sum := mac.Sum(nil)
	return "sha1=" + hex.EncodeToString(sum)
}

// ServeHTTP answers master callbacks. GET requests are answered
// unconditionally so the endpoint doubles as a liveness probe; anything
// else must pass parseEvent before it reaches the receiver.
func (s *EventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method == http.MethodGet {
		return
	}

	eventType, payload, code, err := s.parseEvent(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	fmt.Fprint(w, "ok")

	if err := s.demuxEvent(eventType, payload); err != nil {
		logrus.WithError(err).Error("Error parsing event.")
	}
}

// parseEvent rejects anything that is not a well-formed, signed JSON
// callback and returns the event type with its raw payload.
func (s *EventServer) parseEvent(r *http.Request) (eventType string, payload []byte, code int, err error) {
	if r.Method != http.MethodPost {
		return "", nil, http.StatusMethodNotAllowed, errors.New("events are delivered as POST requests")
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		return "", nil, http.StatusBadRequest, fmt.Errorf("unsupported content type %q", ct)
	}
	eventType = r.Header.Get("X-Master-Event")
	if eventType == "" {
		return "", nil, http.StatusBadRequest, errors.New("the X-Master-Event header is missing")
	}
	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		return "", nil, http.StatusForbidden, errors.New("the X-Hub-Signature header is missing")
	}
	payload, err = ioutil.ReadAll(r.Body)
	if err != nil {
		return "", nil, http.StatusInternalServerError, errors.New("cannot read the request body")
	}
	if !ValidatePayload(payload, sig, s.HMACSecret) {
		return "", nil, http.StatusForbidden, errors.New("the payload signature does not match the shared secret")
	}
	return eventType, payload, 0, nil
}

func (s *EventServer) demuxEvent(eventType string, payload []byte) error {
	l := logrus.WithField("event-type", eventType)

	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	switch eventType {
	case "builderChangedState":
		go s.Receiver.BuilderChangedState(e.Builder, e.State)
	case "requestSubmitted":
		if e.Request == nil {
			return fmt.Errorf("requestSubmitted event without request")
		}
		go s.Receiver.RequestSubmitted(*e.Request)
	case "requestCancelled":
		if e.Request == nil {
			return fmt.Errorf("requestCancelled event without request")
		}
		go s.Receiver.RequestCancelled(e.Builder, *e.Request)
	case "buildStarted":
		if e.Build == nil {
			return fmt.Errorf("buildStarted event without build")
		}
		go s.Receiver.BuildStarted(e.Builder, *e.Build)
	case "buildFinished":
		if e.Build == nil {
			return fmt.Errorf("buildFinished event without build")
		}
		go s.Receiver.BuildFinished(e.Builder, *e.Build, e.Result)
	default:
		l.Debug("Ignoring unknown event type.")
	}
	return nil
}
