// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Command daqhost is the host-side data acquisition core for a networked
// multi-board front-end electronics / TPC readout system (spec.md §1).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dcalvet/feminos-daqhost/internal/cmdfetcher"
	"github.com/dcalvet/feminos-daqhost/internal/config"
	"github.com/dcalvet/feminos-daqhost/internal/evbuilder"
	"github.com/dcalvet/feminos-daqhost/internal/femarray"
	"github.com/dcalvet/feminos-daqhost/internal/runid"
	"github.com/dcalvet/feminos-daqhost/internal/sinks"
	"github.com/dcalvet/feminos-daqhost/pkg/bufpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// poolBufferCount and poolBufferSize size the shared datagram pool
// (spec.md §4.2): one buffer per proxy in flight plus headroom for the
// event builder's rings.
const (
	poolBufferCount = 512
	poolBufferSize  = 8192
)

func main() {
	cfg := config.Parse(os.Args[1:])

	log := logrus.New()
	log.SetLevel(levelFor(cfg.Verbose))
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	run := runid.New(1)
	logEntry := log.WithField("run", run.String())
	logEntry.WithField("run_tag", run.RunTag()).Info("daqhost starting")

	pool := bufpool.New(poolBufferCount, poolBufferSize)

	builder := evbuilder.New(cfg.NumFEMs, log)

	metrics := sinks.NewMetricsCollector(run.String())
	prometheus.MustRegister(metrics)
	builder.AddSink(&metricsSink{mc: metrics})
	builder.SetMismatchHook(metrics.IncVerifyMismatch)
	builder.SetRecycleHook(metrics.IncBuffersRecycled)

	disk := sinks.NewDiskSink(cfg.OutputDir, run, 100, log)
	if err := disk.Open(); err != nil {
		logEntry.WithError(err).Fatal("daqhost: opening disk sink failed")
	}
	defer disk.Close()
	builder.AddSink(disk)

	array, err := femarray.New(cfg.NumFEMs, cfg.CardBaseIP, cfg.Port, cfg.LocalAddr, builder, log)
	if err != nil {
		logEntry.WithError(err).Fatal("daqhost: constructing FEM array failed")
	}
	defer array.Close()
	for idx, p := range array.Proxies() {
		metrics.AddProxy(idx, p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go array.Run(ctx, pool)
	go serveMetrics(logEntry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logEntry.Info("daqhost: shutdown signal received")
		cancel()
	}()

	fetcher := cmdfetcher.New(array, builder, cfg.NumFEMs, log)

	if cfg.ScriptFile != "" {
		raw, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			logEntry.WithError(err).Fatal("daqhost: reading script file failed")
		}
		if err := fetcher.RunScript(string(raw), false); err != nil {
			logEntry.WithError(err).Error("daqhost: script execution failed")
		}
		return
	}

	if err := fetcher.RunInteractive(os.Stdin, os.Stdout); err != nil {
		logEntry.WithError(err).Error("daqhost: interactive session failed")
	}
}

// levelFor maps the CLI -v verbosity integer onto a logrus level, per
// spec.md §6's `verbose` directive.
func levelFor(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.InfoLevel
	case v == 1:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// serveMetrics exposes the Prometheus registry over HTTP (SPEC_FULL.md
// §4.11); a failure here is logged, not fatal, since metrics are an
// ambient concern and must never block data taking.
func serveMetrics(log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":9110", mux); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("daqhost: metrics endpoint stopped")
	}
}

// metricsSink adapts MetricsCollector to evbuilder.Sink so the built-event
// counter is driven straight from the builder's dispatch path rather than
// polled out-of-band; the recycle counter is fed by the recycle hook.
type metricsSink struct {
	mc *sinks.MetricsCollector
}

func (m *metricsSink) Dispatch(source int, body []byte) {}
func (m *metricsSink) StartOfBuiltEvent()               {}
func (m *metricsSink) EndOfBuiltEvent()                 { m.mc.IncEventsBuilt() }
