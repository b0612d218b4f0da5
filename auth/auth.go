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

// Package auth implements htpasswd-backed authentication with per-user
// action rights, plus the cookie session used by the login endpoint.
//
// The htpasswd file carries one "user:hash:comment:actions" line per
// account; actions is a comma-separated list such as
// "forceBuild,prStopBuild".
package auth

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"io/ioutil"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"
)

const (
	sessionName = "pullrequest-session"
	// cacheTTL bounds how long auth decisions are served from cache
	// after an htpasswd change.
	cacheTTL = 30 * time.Second
)

type entry struct {
	user    string
	hash    string
	comment string
	actions []string
}

type fileSig struct {
	size    int64
	modTime time.Time
}

// Authz answers authentication and action questions from an htpasswd
// file. The file is re-read when its size or mtime changes; per-request
// answers are cached for a short time.
type Authz struct {
	fileName string
	store    *sessions.CookieStore
	logger   *logrus.Entry

	mut     sync.Mutex
	sig     fileSig
	entries map[string]entry

	authCache   map[string]cached
	actionCache map[string]cached
}

type cached struct {
	ok   bool
	when time.Time
}

// New creates an Authz over the htpasswd file. The cookie secret signs
// login sessions.
func New(fileName string, cookieSecret []byte, logger *logrus.Entry) (*Authz, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if fileName != "" {
		if _, err := os.Stat(fileName); err != nil {
			return nil, err
		}
	}
	return &Authz{
		fileName:    fileName,
		store:       sessions.NewCookieStore(cookieSecret),
		logger:      logger.WithField("component", "auth"),
		authCache:   map[string]cached{},
		actionCache: map[string]cached{},
	}, nil
}

// load re-reads the htpasswd file if it changed on disk.
func (a *Authz) load() map[string]entry {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.fileName == "" {
		return nil
	}
	st, err := os.Stat(a.fileName)
	if err != nil {
		a.logger.WithError(err).Error("Cannot stat htpasswd file.")
		return a.entries
	}
	sig := fileSig{size: st.Size(), modTime: st.ModTime()}
	if sig == a.sig && a.entries != nil {
		return a.entries
	}
	a.logger.Infof("Loading htpasswd file: %s", a.fileName)
	raw, err := ioutil.ReadFile(a.fileName)
	if err != nil {
		a.logger.WithError(err).Error("Cannot read htpasswd file.")
		return a.entries
	}
	entries := map[string]entry{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, ":", 4)
		if len(fields) < 2 {
			continue
		}
		e := entry{user: fields[0], hash: fields[1]}
		if len(fields) > 2 {
			e.comment = fields[2]
		}
		if len(fields) > 3 && fields[3] != "" {
			e.actions = strings.Split(fields[3], ",")
		}
		entries[e.user] = e
	}
	a.sig = sig
	a.entries = entries
	a.authCache = map[string]cached{}
	a.actionCache = map[string]cached{}
	return entries
}

func validatePassword(passwd, hash string) bool {
	if strings.HasPrefix(hash, "{SHA}") {
		sum := sha1.Sum([]byte(passwd))
		expected := base64.StdEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(hash[5:]), []byte(expected)) == 1
	}
	// Plaintext fallback for test fixtures.
	return subtle.ConstantTimeCompare([]byte(hash), []byte(passwd)) == 1
}

// Authenticate checks a user/password pair against the htpasswd file.
func (a *Authz) Authenticate(user, passwd string) bool {
	key := user + "\x00" + passwd
	a.mut.Lock()
	if c, ok := a.authCache[key]; ok && time.Since(c.when) < cacheTTL {
		a.mut.Unlock()
		return c.ok
	}
	a.mut.Unlock()

	entries := a.load()
	e, ok := entries[user]
	res := ok && validatePassword(passwd, e.hash)

	a.mut.Lock()
	a.authCache[key] = cached{ok: res, when: time.Now()}
	a.mut.Unlock()
	return res
}

// IsActionAllowed reports whether the user's rights include the action.
func (a *Authz) IsActionAllowed(user, action string) bool {
	if user == "" {
		return false
	}
	key := user + "\x00" + action
	a.mut.Lock()
	if c, ok := a.actionCache[key]; ok && time.Since(c.when) < cacheTTL {
		a.mut.Unlock()
		return c.ok
	}
	a.mut.Unlock()

	entries := a.load()
	res := false
	if e, ok := entries[user]; ok {
		for _, act := range e.actions {
			if act == action {
				res = true
				break
			}
		}
	}

	a.mut.Lock()
	a.actionCache[key] = cached{ok: res, when: time.Now()}
	a.mut.Unlock()
	return res
}

// Authenticated returns the authenticated username of the request, from
// basic auth or a login session.
func (a *Authz) Authenticated(r *http.Request) (string, bool) {
	if user, passwd, ok := r.BasicAuth(); ok && a.Authenticate(user, passwd) {
		return user, true
	}
	session, err := a.store.Get(r, sessionName)
	if err != nil {
		return "", false
	}
	if user, ok := session.Values["user"].(string); ok && user != "" {
		return user, true
	}
	return "", false
}

// ActionAllowed reports whether the request's user may perform the
// action.
func (a *Authz) ActionAllowed(action string, r *http.Request) bool {
	user, ok := a.Authenticated(r)
	if !ok {
		return false
	}
	return a.IsActionAllowed(user, action)
}

// Login establishes a session cookie for a request that passed basic
// auth and redirects back to the referer.
func (a *Authz) Login(w http.ResponseWriter, r *http.Request) {
	user, ok := a.Authenticated(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="Buildbot"`)
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}
	session, _ := a.store.Get(r, sessionName)
	session.Values["user"] = user
	if err := session.Save(r, w); err != nil {
		a.logger.WithError(err).Error("Cannot save session.")
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	target := r.Referer()
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}
