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

// Package api serves the JSON documents the UI and merge bots consume,
// and the restart/stop/revert user actions.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/NYTimes/gziphandler"
	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/scheduler"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/util"
)

// Authorizer answers authentication and action questions for requests.
type Authorizer interface {
	Authenticated(r *http.Request) (string, bool)
	ActionAllowed(action string, r *http.Request) bool
}

// Server is the JSON API handler mounted at the configured url path.
type Server struct {
	ctx   *service.Context
	authz Authorizer
	log   *logrus.Entry
}

// NewServer creates the API server.
func NewServer(ctx *service.Context, authz Authorizer) *Server {
	return &Server{
		ctx:   ctx,
		authz: authz,
		log:   ctx.Logger.WithField("component", "api"),
	}
}

// Register mounts the API on the mux under the configured url path.
func (s *Server) Register(mux *http.ServeMux) {
	prefix := "/" + strings.Trim(s.ctx.Config().URLPath, "/")
	mux.Handle(prefix, gziphandler.GzipHandler(s))
	mux.Handle(prefix+"/", gziphandler.GzipHandler(s))
	mux.Handle("/authInfo", gziphandler.GzipHandler(http.HandlerFunc(s.handleAuthInfo)))
}

// ServeHTTP routes /<urlpath>[/<prid>[/status|/<bid>[/<action>]]].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + strings.Trim(s.ctx.Config().URLPath, "/")
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")

	var segments []string
	if rest != "" {
		segments = strings.Split(rest, "/")
	}

	switch len(segments) {
	case 0:
		s.render(w, r, "", s.handleIndex)
		return
	case 1:
		prid, err := strconv.ParseInt(segments[0], 10, 64)
		if err != nil {
			s.renderError(w, r, util.NotFound(fmt.Sprintf("No such pullrequest %q", segments[0])))
			return
		}
		s.render(w, r, "", s.handlePullRequest(prid))
		return
	case 2:
		prid, err := strconv.ParseInt(segments[0], 10, 64)
		if err != nil {
			s.renderError(w, r, util.NotFound(fmt.Sprintf("No such pullrequest %q", segments[0])))
			return
		}
		if segments[1] == "status" {
			s.render(w, r, "", s.handlePullRequestShortStatus(prid))
			return
		}
		bid, err := strconv.ParseInt(segments[1], 10, 64)
		if err != nil {
			s.renderError(w, r, util.NotFound(fmt.Sprintf("No such builder %q", segments[1])))
			return
		}
		s.render(w, r, "", s.handleBuildStatus(prid, bid))
		return
	case 3:
		prid, err1 := strconv.ParseInt(segments[0], 10, 64)
		bid, err2 := strconv.ParseInt(segments[1], 10, 64)
		if err1 != nil || err2 != nil {
			s.renderError(w, r, util.NotFound("Not found: "+r.URL.Path))
			return
		}
		switch segments[2] {
		case "restart":
			s.render(w, r, "prRestartBuild", s.handleAction(prid, bid, actionRestart))
			return
		case "stop":
			s.render(w, r, "prStopBuild", s.handleAction(prid, bid, actionStop))
			return
		case "revert":
			s.render(w, r, "prRevertBuild", s.handleAction(prid, bid, actionRevert))
			return
		}
	}
	s.renderError(w, r, util.NotFound("Not found: "+r.URL.Path))
}

type documentFn func(r *http.Request) (interface{}, error)

// render runs the auth check and the document function and writes the
// JSON response.
func (s *Server) render(w http.ResponseWriter, r *http.Request, requiredAction string, fn documentFn) {
	if requiredAction != "" {
		if _, ok := s.authz.Authenticated(r); !ok {
			s.writeJSON(w, r, map[string]interface{}{"message": "Authentication required"}, http.StatusUnauthorized)
			return
		}
		if !s.authz.ActionAllowed(requiredAction, r) {
			s.log.Infof("Auth action %q is not allowed: %s", requiredAction, r.URL.Path)
			s.renderError(w, r, util.Forbidden("Not allowed: "+r.URL.Path))
			return
		}
	}
	data, err := fn(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if data == nil {
		s.renderError(w, r, util.NotFound("Not found: "+r.URL.Path))
		return
	}
	s.writeJSON(w, r, data, http.StatusOK)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch err.(type) {
	case util.NotFoundError:
		code = http.StatusNotFound
	case util.ForbiddenError:
		code = http.StatusForbidden
	case util.ConflictError:
		code = http.StatusConflict
	case util.NeedUpdateError:
		code = http.StatusGone
	case util.BadRequestError:
		code = http.StatusBadRequest
	default:
		s.log.WithError(err).Error("Internal error serving request.")
	}
	s.writeJSON(w, r, map[string]interface{}{"message": err.Error()}, code)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, data interface{}, code int) {
	var raw []byte
	var err error
	if util.RequestArgToBool(r, "compact", false) {
		raw, err = json.Marshal(data)
	} else {
		raw, err = json.MarshalIndent(data, "", "  ")
	}
	if err != nil {
		s.log.WithError(err).Error("Error marshaling response.")
		raw = []byte("{}")
		code = http.StatusInternalServerError
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	// Make sure we get fresh pages.
	w.Header().Set("Pragma", "no-cache")
	if code == http.StatusOK && util.RequestArgToBool(r, "as_file", false) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.URL.Path+".json"))
	}
	w.WriteHeader(code)
	w.Write(raw)
}

// handleIndex serves the builders table and every active pull request.
func (s *Server) handleIndex(r *http.Request) (interface{}, error) {
	d, err := s.newAPIData(r, false)
	if err != nil {
		return nil, err
	}
	prs := map[string]interface{}{}
	for i := range d.pullrequests {
		pr := &d.pullrequests[i]
		prs[strconv.FormatInt(pr.PRID, 10)] = d.pullRequestInfo(pr)
	}
	return map[string]interface{}{
		"builders":     d.buildersList(),
		"pullrequests": prs,
	}, nil
}

func (s *Server) handlePullRequest(prid int64) documentFn {
	return func(r *http.Request) (interface{}, error) {
		d, err := s.newAPIData(r, false)
		if err != nil {
			return nil, err
		}
		pr := d.getPR(prid)
		if pr == nil {
			return nil, nil
		}
		return d.pullRequestInfo(pr), nil
	}
}

// handlePullRequestShortStatus serves the merge-bot view; it needs no
// credentials.
func (s *Server) handlePullRequestShortStatus(prid int64) documentFn {
	return func(r *http.Request) (interface{}, error) {
		d, err := s.newAPIData(r, true)
		if err != nil {
			return nil, err
		}
		pr := d.getPR(prid)
		if pr == nil {
			return nil, nil
		}
		return map[string]interface{}{
			"buildstatus": d.pullRequestStatusesShort(pr),
		}, nil
	}
}

func (s *Server) handleBuildStatus(prid, bid int64) documentFn {
	return func(r *http.Request) (interface{}, error) {
		d, err := s.newAPIData(r, false)
		if err != nil {
			return nil, err
		}
		return s.buildStatusDoc(d, prid, bid)
	}
}

func (s *Server) buildStatusDoc(d *apiData, prid, bid int64) (interface{}, error) {
	pr := d.getPR(prid)
	if pr == nil {
		return nil, nil
	}
	b := d.getBuilder(bid)
	if b == nil {
		return nil, nil
	}
	doc := d.pullRequestStatus(pr, b, d.statusesForPR(prid), false)
	if doc == nil {
		return nil, nil
	}
	return doc, nil
}

type action int

const (
	actionRestart action = iota
	actionStop
	actionRevert
)

// handleAction performs a user action and returns the refreshed status
// document.
func (s *Server) handleAction(prid, bid int64, act action) documentFn {
	return func(r *http.Request) (interface{}, error) {
		updatedAt := util.RequestArg(r, "updated_at", "")

		switch act {
		case actionRestart:
			if err := scheduler.RetryBuild(s.ctx, prid, bid, updatedAt); err != nil {
				return nil, err
			}
		case actionStop:
			if updatedAt == "" {
				return nil, util.BadRequest("updated_at parameter is missing")
			}
			if err := scheduler.StopBuild(s.ctx, prid, bid, updatedAt); err != nil {
				return nil, err
			}
		case actionRevert:
			if updatedAt == "" {
				return nil, util.BadRequest("updated_at parameter is missing")
			}
			if err := scheduler.RevertBuild(s.ctx, prid, bid, updatedAt); err != nil {
				return nil, err
			}
		}

		d, err := s.newAPIData(r, false)
		if err != nil {
			return nil, err
		}
		return s.buildStatusDoc(d, prid, bid)
	}
}

// handleAuthInfo reports the authenticated user.
func (s *Server) handleAuthInfo(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authz.Authenticated(r)
	if !ok {
		s.renderError(w, r, util.NotFound("Not authorized"))
		return
	}
	s.writeJSON(w, r, map[string]interface{}{"user": user}, http.StatusOK)
}
