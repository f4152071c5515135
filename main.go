// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/dorssel/usbipd-win-sub001/binder"
	"github.com/dorssel/usbipd-win-sub001/capture"
	"github.com/dorssel/usbipd-win-sub001/devtree"
	"github.com/dorssel/usbipd-win-sub001/engine"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/dorssel/usbipd-win-sub001/registry"
	"github.com/dorssel/usbipd-win-sub001/usbip"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := registry.OpenFileStore(viper.GetString("state-file"))
	if err != nil {
		return errors.Wrap(err, "failed to open state file")
	}
	defer func() {
		_ = store.Close()
	}()

	rules, err := getConfiguredRules()
	if err != nil {
		return err
	}
	if err := seedRules(store, rules, logger); err != nil {
		return err
	}

	treeRoot := viper.GetString("device-tree")
	snapshot := func() (*devtree.Tree, error) {
		return devtree.Snapshot(os.DirFS(treeRoot), logger)
	}
	mut := devtree.FSMutator{Root: treeRoot}
	opener := capture.FileOpener{Dir: viper.GetString("device-channels")}

	clk := clock.New()
	b := binder.New(snapshot, mut, viper.GetString("driver-inf"), clk, log.With(logger, "component", "binder"))
	n := capture.NewNegotiator(snapshot, opener, mut, clk, log.With(logger, "component", "capture"))
	builder := usbip.NewBuilder(snapshot, opener, log.With(logger, "component", "usbip"))
	eng := engine.New(store, b, n, builder, snapshot, log.With(logger, "component", "engine"), r)

	monitor, filterIds, err := setupMonitor(context.Background(), opener, rules, logger)
	if err != nil {
		return err
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	if interval := viper.GetDuration("auto-bind"); interval > 0 {
		// Periodically reconcile policy rules against attached devices.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := eng.AutoBindPass(ctx); err != nil {
						_ = level.Warn(logger).Log("msg", "auto-bind pass failed", "err", err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		// Keep the kernel monitor channel open for the process lifetime so
		// installed capture filters stay armed.
		done := make(chan struct{})
		g.Add(func() error {
			<-done
			return nil
		}, func(error) {
			teardownMonitor(monitor, filterIds, logger)
			close(done)
		})
	}

	_ = logger.Log("msg", "Starting usbipd.")
	return g.Run()
}

// seedRules copies config-file rules into an empty store. A store that
// already holds rules wins; config rules are initial state, not an override.
func seedRules(store registry.Store, rules []policy.Rule, logger log.Logger) error {
	existing, err := store.GetPolicyRules()
	if err != nil {
		return errors.Wrap(err, "failed to read policy rules")
	}
	if len(existing) > 0 || len(rules) == 0 {
		return nil
	}
	for _, rule := range rules {
		if _, err := store.AddPolicyRule(rule); err != nil {
			return errors.Wrap(err, "failed to seed policy rule")
		}
	}
	_ = logger.Log("msg", fmt.Sprintf("Seeded %d policy rules from config.", len(rules)))
	return nil
}

// setupMonitor verifies the kernel monitor's version and installs a capture
// filter for every allow rule that names a hardware id, so matching devices
// come up under the capture driver as soon as they attach.
func setupMonitor(ctx context.Context, opener capture.FileOpener, rules []policy.Rule, logger log.Logger) (*capture.Monitor, []capture.FilterID, error) {
	conn, err := opener.OpenMonitor()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open kernel monitor channel")
	}
	monitor, err := capture.NewMonitor(ctx, conn, logger)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	var filterIds []capture.FilterID
	for _, rule := range rules {
		if rule.Effect != policy.Allow || rule.VidPid == nil {
			continue
		}
		id, err := monitor.AddFilter(ctx, capture.Filter{
			Vendor:  rule.VidPid.Vendor,
			Product: rule.VidPid.Product,
		})
		if err != nil {
			teardownMonitor(monitor, filterIds, logger)
			return nil, nil, errors.Wrapf(err, "failed to install capture filter for %s", rule.VidPid)
		}
		filterIds = append(filterIds, id)
	}
	return monitor, filterIds, nil
}

func teardownMonitor(monitor *capture.Monitor, filterIds []capture.FilterID, logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range filterIds {
		if err := monitor.RemoveFilter(ctx, id); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to remove capture filter", "id", id, "err", err)
		}
	}
	_ = monitor.Close()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
