// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// watcherd runs one watch/sync pipeline per resource kind: it keeps the IAM
// role set consistent with resource existence and clears the per-kind lookup
// caches on every observed change.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/auroraml/identity-gateway/internal/config"
	"github.com/auroraml/identity-gateway/internal/iam"
	"github.com/auroraml/identity-gateway/internal/lookupcache"
	"github.com/auroraml/identity-gateway/internal/metrics"
	"github.com/auroraml/identity-gateway/internal/oauth"
	"github.com/auroraml/identity-gateway/internal/resourceapi"
	"github.com/auroraml/identity-gateway/internal/rolesync"
	"github.com/auroraml/identity-gateway/internal/watcher"
)

var (
	flagLogLevel = flag.String("logLevel",
		"info", "The log level for the daemon. One of 'debug', 'info', 'warn', or 'error'.")
	flagMetricsAddr = flag.String("metricsAddr",
		":9090", "Address for the /metrics and /healthz endpoints.")
	flagKinds = flag.String("kinds",
		"", "Comma-separated plural names of resource kinds to watch. Empty watches all built-in kinds.")
)

// parseAndValidateFlags parses the program flags and validates them.
func parseAndValidateFlags() (zapLevel zapcore.Level, err error) {
	flag.Parse()
	if err = zapLevel.UnmarshalText([]byte(*flagLogLevel)); err != nil {
		err = fmt.Errorf("invalid log level: %s", *flagLogLevel)
		return
	}
	return
}

// filterKinds keeps only the kinds named in the comma-separated selection.
func filterKinds(kinds []resourceapi.Kind, selection string) ([]resourceapi.Kind, error) {
	if selection == "" {
		return kinds, nil
	}
	byPlural := make(map[string]resourceapi.Kind, len(kinds))
	for _, k := range kinds {
		byPlural[k.Plural] = k
	}
	var selected []resourceapi.Kind
	for _, name := range strings.Split(selection, ",") {
		name = strings.TrimSpace(name)
		k, ok := byPlural[name]
		if !ok {
			return nil, fmt.Errorf("unknown resource kind %q", name)
		}
		selected = append(selected, k)
	}
	return selected, nil
}

func main() {
	setupLog := ctrl.Log.WithName("setup")

	zapLogLevel, err := parseAndValidateFlags()
	if err != nil {
		setupLog.Error(err, "failed to parse flags")
		os.Exit(1)
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zap.Options{Development: true, Level: zapLogLevel})))

	cfg, err := config.Load()
	if err != nil {
		setupLog.Error(err, "failed to load configuration")
		os.Exit(1)
	}

	k8sConfig, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "failed to get k8s config")
		os.Exit(1)
	}
	dyn, err := dynamic.NewForConfig(k8sConfig)
	if err != nil {
		setupLog.Error(err, "failed to build dynamic client")
		os.Exit(1)
	}

	kinds, err := resourceapi.BuiltinKinds(cfg.ResourceNamespace)
	if err != nil {
		setupLog.Error(err, "failed to load resource kinds")
		os.Exit(1)
	}
	kinds, err = filterKinds(kinds, *flagKinds)
	if err != nil {
		setupLog.Error(err, "invalid -kinds selection")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// The synchronizers cannot act without a service token, so the initial
	// grant failing is fatal at startup. Refresh failures later are not.
	syncer := oauth.NewSyncer(ctrl.Log.WithName("oauth"), oauth.SyncerOptions{
		TokenURL:     cfg.TokenURL(),
		ClientID:     cfg.IAMClientID,
		ClientSecret: cfg.IAMClientSecret,
		Interval:     cfg.TokenRefreshInterval,
		ExpiryWindow: cfg.TokenExpiryWindow,
		Metrics:      m,
	})
	if err := syncer.Start(ctx); err != nil {
		setupLog.Error(err, "failed to acquire initial service token")
		os.Exit(1)
	}
	defer syncer.Stop()

	iamClient := iam.New(cfg.IAMBaseURL, cfg.IAMRealm)

	watchers := make([]*watcher.Watcher, 0, len(kinds))
	for _, kind := range kinds {
		client := resourceapi.NewClient(dyn, kind)
		cache := lookupcache.New[*unstructured.Unstructured](kind.Plural, m)
		sync := rolesync.New(kind, iamClient, syncer, cfg.EveryoneGroupID,
			ctrl.Log.WithName("rolesync"), m)
		// Any change to the kind invalidates its whole lookup cache; the
		// stream's replay repopulates it on demand.
		watchers = append(watchers, watcher.New(kind.Plural, client, sync.Handle,
			ctrl.Log.WithName("watcher"), m, watcher.WithOnEvent(cache.Clear)))
	}
	observer := watcher.NewObserver(watchers...)
	observer.Observe(ctx)
	setupLog.Info("watch pipelines started", "kinds", len(watchers))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: *flagMetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		observer.Abort()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		setupLog.Error(err, "metrics server failed")
		os.Exit(1)
	}
}
