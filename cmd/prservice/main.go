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

package main

import (
	"bytes"
	"errors"
	"flag"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opencv-infrastructure/common-pullrequest-plugin/api"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/auth"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/config"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/db"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/executor"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/host"
	hostgithub "github.com/opencv-infrastructure/common-pullrequest-plugin/host/github"
	hostgitlab "github.com/opencv-infrastructure/common-pullrequest-plugin/host/gitlab"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/logrusutil"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/report"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/scheduler"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/service"
	"github.com/opencv-infrastructure/common-pullrequest-plugin/watch"
)

type options struct {
	port int

	configPath string

	dryRun bool

	hostTokenFile string

	masterUser      string
	masterTokenFile string

	eventSecretFile  string
	cookieSecretFile string
	htpasswdFile     string
}

func (o *options) Validate() error {
	if o.configPath == "" {
		return errors.New("required flag --config-path was unset")
	}
	if o.eventSecretFile == "" {
		return errors.New("required flag --event-secret-file was unset")
	}
	return nil
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.port, "port", 8888, "Port to listen on.")

	flag.StringVar(&o.configPath, "config-path", "/etc/config/config.yaml", "Path to config.yaml.")

	flag.BoolVar(&o.dryRun, "dry-run", true, "Dry run for testing. Uses API tokens but does not mutate.")

	flag.StringVar(&o.hostTokenFile, "host-token-file", "", "Path to the file containing the code-host API token.")

	flag.StringVar(&o.masterUser, "master-user", "", "Build master username.")
	flag.StringVar(&o.masterTokenFile, "master-token-file", "", "Path to the file containing the build master API token.")

	flag.StringVar(&o.eventSecretFile, "event-secret-file", "/etc/events/hmac", "Path to the file containing the event HMAC secret.")
	flag.StringVar(&o.cookieSecretFile, "cookie-secret-file", "", "Path to the file containing the session cookie secret.")
	flag.StringVar(&o.htpasswdFile, "htpasswd-file", "", "Path to the htpasswd file with user rights.")
	flag.Parse()
	return o
}

func loadToken(file string) (string, error) {
	raw, err := ioutil.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(raw)), nil
}

func main() {
	o := gatherOptions()
	if err := o.Validate(); err != nil {
		logrus.Fatalf("Invalid options: %v", err)
	}
	logrus.SetFormatter(logrusutil.NewDefaultFieldsFormatter(nil, logrus.Fields{"component": "prservice"}))
	logger := logrus.NewEntry(logrus.StandardLogger())

	configAgent := &config.Agent{}
	if err := configAgent.Start(o.configPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}
	cfg := configAgent.Config()

	eventSecretRaw, err := ioutil.ReadFile(o.eventSecretFile)
	if err != nil {
		logrus.WithError(err).Fatal("Could not read event secret file.")
	}
	eventSecret := bytes.TrimSpace(eventSecretRaw)

	var hostToken string
	if o.hostTokenFile != "" {
		hostToken, err = loadToken(o.hostTokenFile)
		if err != nil {
			logrus.WithError(err).Fatal("Could not read host token file.")
		}
	}

	var hostClient host.Client
	switch cfg.Host.Provider {
	case "gitlab":
		if o.dryRun {
			hostClient = hostgitlab.NewDryRunClient(hostToken, cfg.Host.Endpoint, cfg.Host.Owner, cfg.Host.Repo)
		} else {
			hostClient = hostgitlab.NewClient(hostToken, cfg.Host.Endpoint, cfg.Host.Owner, cfg.Host.Repo)
		}
	default:
		if o.dryRun {
			hostClient = hostgithub.NewDryRunClient(hostToken, cfg.Host.Endpoint, cfg.Host.Owner, cfg.Host.Repo)
		} else {
			hostClient = hostgithub.NewClient(hostToken, cfg.Host.Endpoint, cfg.Host.Owner, cfg.Host.Repo)
		}
	}

	var masterCreds *executor.Credentials
	if o.masterTokenFile != "" {
		masterToken, err := loadToken(o.masterTokenFile)
		if err != nil {
			logrus.WithError(err).Fatal("Could not read master token file.")
		}
		masterCreds = &executor.Credentials{User: o.masterUser, Token: masterToken}
	}
	masterClient := executor.NewClient(cfg.Executor.MasterURL, cfg.Executor.RequestTimeout, masterCreds, logger, executor.NewMetrics())

	dbClient, err := db.Open(cfg.DBName, logger)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening database.")
	}
	defer dbClient.Close()

	ctx := service.NewContext(configAgent, dbClient, hostClient, masterClient, logger)

	specs := make([]db.BuilderSpec, 0, len(cfg.Builders))
	for internalName, b := range cfg.Builders {
		specs = append(specs, db.BuilderSpec{
			InternalName: internalName,
			Name:         b.Name,
			Builders:     b.Builders,
			Order:        b.Order,
			IsPerf:       b.IsPerf,
		})
	}
	if err := dbClient.StartupReconcile(specs, cfg.ResetInterruptedBuilds); err != nil {
		logrus.WithError(err).Fatal("Error reconciling builders.")
	}
	builders, err := dbClient.ListActiveBuilders()
	if err != nil {
		logrus.WithError(err).Fatal("Error listing builders.")
	}
	logger.Infof("Number of active builders: %d", len(builders))

	reporter := report.NewReporter(hostClient, configAgent.Config, logger)
	ctx.OnPullRequestBuildFinished = func(prid, bid int64, builderName string, build executor.Build, result int) {
		pr, err := dbClient.GetPullRequest(prid)
		if err != nil || pr == nil {
			logger.WithError(err).Errorf("Cannot load PR #%d for reporting.", prid)
			return
		}
		if err := reporter.Report(pr, builderName, db.BuildStatus(result), ctx.WebAddressPullRequest(pr)); err != nil {
			logger.WithError(err).Errorf("Cannot report build result for PR #%d.", prid)
		}
	}

	var cookieSecret []byte
	if o.cookieSecretFile != "" {
		raw, err := ioutil.ReadFile(o.cookieSecretFile)
		if err != nil {
			logrus.WithError(err).Fatal("Could not read cookie secret file.")
		}
		cookieSecret = bytes.TrimSpace(raw)
	} else {
		cookieSecret = eventSecret
	}
	authz, err := auth.New(o.htpasswdFile, cookieSecret, logger)
	if err != nil {
		logrus.WithError(err).Fatal("Error setting up auth.")
	}

	watchLoop := watch.NewLoop(ctx)
	if err := watchLoop.Start(); err != nil {
		logrus.WithError(err).Fatal("Error starting watch loop.")
	}

	// Ignore SIGTERM so that in-flight callbacks are not dropped when the
	// process is being replaced; the supervisor sends SIGKILL after the
	// termination deadline.
	signal.Ignore(syscall.SIGTERM)

	eventServer := &executor.EventServer{
		Receiver:   scheduler.NewReceiver(ctx),
		HMACSecret: eventSecret,
	}

	apiServer := api.NewServer(ctx, authz)

	mux := http.NewServeMux()
	// Return 200 on / for health checks.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", eventServer)
	mux.HandleFunc("/login", authz.Login)
	apiServer.Register(mux)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT)
		<-sig
		logger.Info("Stop PullRequest service...")
		watchLoop.Stop()
		dbClient.Close()
		os.Exit(0)
	}()

	logger.Infof("PullRequest service is running: %s", cfg.Name)
	logrus.Fatal(http.ListenAndServe(":"+strconv.Itoa(o.port), mux))
}
