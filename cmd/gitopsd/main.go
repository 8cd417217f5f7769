package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/gitopsd/gitopsd/pkg/daemon"
	"github.com/gitopsd/gitopsd/pkg/gitops"
	httpdaemon "github.com/gitopsd/gitopsd/pkg/http/daemon"
	"github.com/gitopsd/gitopsd/pkg/mirror"
	"github.com/gitopsd/gitopsd/pkg/monitor"
	"github.com/gitopsd/gitopsd/pkg/publish"
	"github.com/gitopsd/gitopsd/pkg/secret"
	"github.com/gitopsd/gitopsd/pkg/trigger"
	"github.com/gitopsd/gitopsd/pkg/unit"
	"github.com/gitopsd/gitopsd/pkg/unit/inmem"
	"github.com/gitopsd/gitopsd/pkg/unit/mongodb"
	"github.com/gitopsd/gitopsd/pkg/webhook"
)

var version = "unversioned"

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  gitopsd is a deployment pipeline daemon: it publishes manifests,\n")
		fmt.Fprintf(os.Stderr, "  ingests git-host webhooks, and drives a GitOps controller.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		listenAddr   = fs.StringP("listen", "l", ":3030", "listen address for API clients and webhooks")
		versionFlag  = fs.Bool("version", false, "output the version number and exit")
		githubToken  = fs.String("github-token", "", "token for the GitHub API; also provisioned into source repos as the CI push credential")
		githubOwner  = fs.String("github-owner", "", "owner (user or org) under which source repositories live")
		ciSecretName = fs.String("ci-secret-name", "PAT_TOKEN", "name of the CI push credential secret provisioned into source repos")
		sourceBranch = fs.String("source-branch", "main", "branch scaffolds are published to in source repos")

		manifestRepoName = fs.String("manifest-repo", "", "name of the manifest repository, under --github-owner")
		manifestURL      = fs.String("manifest-url", "", "clone URL of the manifest repository; defaults to the GitHub URL of --manifest-repo")
		manifestBranch   = fs.String("manifest-branch", "main", "branch manifests are published to")
		manifestPath     = fs.String("manifest-path", "apps", "directory in the manifest repo holding one subdirectory per unit")

		webhookSecret = fs.String("webhook-secret", "", "shared secret for webhook signatures; empty disables verification")
		syncRate      = fs.Float64("sync-rate", 2, "max direct syncs per second when a manifest push fans out")

		controllerURL      = fs.String("controller-url", "", "base URL of the GitOps controller API")
		controllerToken    = fs.String("controller-token", "", "bearer token for the controller API")
		controllerUsername = fs.String("controller-username", "", "username for controller session auth, when no token")
		controllerPassword = fs.String("controller-password", "", "password for controller session auth")
		controllerInsecure = fs.Bool("controller-insecure-skip-tls-verify", false, "skip TLS verification when talking to the controller")
		controllerAppSet   = fs.String("controller-appset", "", "application-set to refresh on manifest pushes; empty disables")

		mongoURL      = fs.String("mongo-url", "", "MongoDB connection URL; empty runs with a non-persistent in-memory store")
		mongoDatabase = fs.String("mongo-database", "gitopsd", "MongoDB database name")

		ciWait         = fs.Duration("ci-wait", 2*time.Minute, "how long to wait after a source push before syncing, to let CI build")
		pollTimeout    = fs.Duration("poll-timeout", 5*time.Minute, "how long to follow a sync attempt before declaring it timed out")
		pollInterval   = fs.Duration("poll-interval", 10*time.Second, "interval between status polls while following an attempt")
		mirrorInterval = fs.Duration("mirror-interval", 30*time.Second, "interval between background status mirror passes")
	)
	fs.Parse(os.Args)

	if *versionFlag {
		fmt.Println(version)
		os.Exit(0)
	}

	// Logger domain.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	for flag, val := range map[string]string{
		"--github-token":   *githubToken,
		"--github-owner":   *githubOwner,
		"--manifest-repo":  *manifestRepoName,
		"--controller-url": *controllerURL,
	} {
		if val == "" {
			logger.Log("err", flag+" is required")
			os.Exit(1)
		}
	}

	clock := clockwork.NewRealClock()

	// Store component.
	var store unit.Store
	{
		logger := log.With(logger, "component", "store")
		if *mongoURL == "" {
			logger.Log("kind", "inmem", "warning", "unit records will not survive a restart")
			store = inmem.New()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s, err := mongodb.New(ctx, *mongoURL, *mongoDatabase, logger)
			cancel()
			if err != nil {
				logger.Log("err", err)
				os.Exit(1)
			}
			store = s
		}
	}

	// Git host components.
	ghClient := publish.NewGitHubClient(*githubToken, clock)
	publisher := publish.NewGitHub(ghClient, log.With(logger, "component", "publish"))
	secrets := secret.NewGitHub(ghClient, log.With(logger, "component", "secret"))

	// Controller client.
	var controller gitops.Controller
	{
		c, err := gitops.New(gitops.Config{
			URL:                *controllerURL,
			Token:              *controllerToken,
			Username:           *controllerUsername,
			Password:           *controllerPassword,
			InsecureSkipVerify: *controllerInsecure,
			Clock:              clock,
		}, log.With(logger, "component", "controller"))
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		controller = c
	}

	manifestRepo := publish.Repo{Owner: *githubOwner, Name: *manifestRepoName, Branch: *manifestBranch}
	manifestCloneURL := *manifestURL
	if manifestCloneURL == "" {
		manifestCloneURL = fmt.Sprintf("https://github.com/%s/%s", *githubOwner, *manifestRepoName)
	}

	// Sync machinery.
	poller := &monitor.Poller{
		Store:      store,
		Controller: controller,
		Timeout:    *pollTimeout,
		Interval:   *pollInterval,
		Clock:      clock,
		Logger:     log.With(logger, "component", "monitor"),
	}
	trig := &trigger.Trigger{
		Store:        store,
		Controller:   controller,
		Publisher:    publisher,
		ManifestRepo: manifestRepo,
		BasePath:     *manifestPath,
		Watcher:      poller,
		Gate:         trigger.FixedDelay{D: *ciWait, Clock: clock},
		Logger:       log.With(logger, "component", "trigger"),
		Clock:        clock,
	}

	// Background status mirror.
	var shutdown = make(chan struct{})
	var shutdownWg = &sync.WaitGroup{}
	statusMirror := &mirror.Mirror{
		Store:      store,
		Controller: controller,
		Interval:   *mirrorInterval,
		Clock:      clock,
		Logger:     log.With(logger, "component", "mirror"),
	}
	shutdownWg.Add(1)
	go statusMirror.Loop(shutdown, shutdownWg)

	// Webhook ingestion.
	webhookHandler := &webhook.Handler{
		Secret:         []byte(*webhookSecret),
		ManifestRemote: unit.Remote{URL: manifestCloneURL},
		BasePath:       *manifestPath,
		AppSet:         *controllerAppSet,
		Store:          store,
		Triggerer:      trig,
		Controller:     controller,
		Limiter:        rate.NewLimiter(rate.Limit(*syncRate), 1),
		Mirror:         statusMirror,
		Logger:         log.With(logger, "component", "webhook"),
	}

	// API server.
	d := &daemon.Daemon{
		Store:        store,
		Publisher:    publisher,
		Secrets:      secrets,
		Triggerer:    trig,
		Owner:        *githubOwner,
		SourceBranch: *sourceBranch,
		ManifestRepo: manifestRepo,
		BasePath:     *manifestPath,
		CISecretName: *ciSecretName,
		CIToken:      *githubToken,
		Logger:       log.With(logger, "component", "daemon"),
	}

	// Mechanical stuff.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// Transport domain.
	go func() {
		logger := log.With(logger, "component", "server")
		logger.Log("addr", *listenAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		handler := httpdaemon.NewHandler(d, webhookHandler, httpdaemon.NewRouter())
		mux.Handle("/", handler)
		errc <- http.ListenAndServe(*listenAddr, mux)
	}()

	// Go!
	logger.Log("exiting", <-errc)
	close(shutdown)
	shutdownWg.Wait()
}
