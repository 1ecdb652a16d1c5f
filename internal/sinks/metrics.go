// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package sinks holds concrete C8 sink implementations: a Prometheus
// metrics collector and a rotating on-disk append sink.
package sinks

import (
	"fmt"
	"sync"

	"github.com/dcalvet/feminos-daqhost/internal/femproxy"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes FEM proxy and event builder counters as
// Prometheus metrics (SPEC_FULL.md §4.11): a mutex-guarded proxy map fed
// by AddProxy and read by Collect, in the prometheus.Collector idiom.
type MetricsCollector struct {
	mu      sync.Mutex
	proxies map[int]*femproxy.Proxy
	run     string

	cmdPosted    *prometheus.Desc
	cmdReply     *prometheus.Desc
	daqPosted    *prometheus.Desc
	daqReply     *prometheus.Desc
	daqReplyLoss *prometheus.Desc
	daqReplyDupl *prometheus.Desc
	cmdFailed    *prometheus.Desc
	reqCredit    *prometheus.Desc
	pndRecv      *prometheus.Desc

	eventsBuilt    prometheus.Counter
	buffersRecyc   prometheus.Counter
	verifyMismatch *prometheus.CounterVec
}

// NewMetricsCollector constructs a collector labelled with run, the
// process-lifetime correlation id (SPEC_FULL.md §4.12).
func NewMetricsCollector(run string) *MetricsCollector {
	constLabels := prometheus.Labels{"run": run}
	labelNames := []string{"fem"}

	mc := &MetricsCollector{
		proxies: make(map[int]*femproxy.Proxy),
		run:     run,

		cmdPosted:    prometheus.NewDesc("daqhost_cmd_posted_total", "Commands posted to a FEM proxy.", labelNames, constLabels),
		cmdReply:     prometheus.NewDesc("daqhost_cmd_reply_total", "Command replies received from a FEM proxy.", labelNames, constLabels),
		daqPosted:    prometheus.NewDesc("daqhost_daq_posted_total", "DAQ requests posted to a FEM proxy.", labelNames, constLabels),
		daqReply:     prometheus.NewDesc("daqhost_daq_reply_total", "DAQ replies received from a FEM proxy.", labelNames, constLabels),
		daqReplyLoss: prometheus.NewDesc("daqhost_daq_reply_loss_total", "DAQ replies detected lost by sequence gap.", labelNames, constLabels),
		daqReplyDupl: prometheus.NewDesc("daqhost_daq_reply_dupl_total", "DAQ replies detected duplicated.", labelNames, constLabels),
		cmdFailed:    prometheus.NewDesc("daqhost_cmd_failed_total", "Command replies carrying a negative error code.", labelNames, constLabels),
		reqCredit:    prometheus.NewDesc("daqhost_req_credit_bytes", "Current DAQ request credit.", labelNames, constLabels),
		pndRecv:      prometheus.NewDesc("daqhost_pnd_recv_bytes", "Bytes requested but not yet received.", labelNames, constLabels),

		eventsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "daqhost_events_built_total",
			Help:        "Built events emitted by the event builder.",
			ConstLabels: constLabels,
		}),
		buffersRecyc: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "daqhost_buffers_recycled_total",
			Help:        "Buffers returned to the pool by the event builder.",
			ConstLabels: constLabels,
		}),
		verifyMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "daqhost_verify_mismatch_total",
			Help:        "Cross-source verification mismatches by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
	}
	return mc
}

// AddProxy registers a proxy for per-card metric collection.
func (mc *MetricsCollector) AddProxy(index int, p *femproxy.Proxy) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.proxies[index] = p
}

// IncEventsBuilt records one completed built event.
func (mc *MetricsCollector) IncEventsBuilt() { mc.eventsBuilt.Inc() }

// IncBuffersRecycled records one buffer returned to the pool.
func (mc *MetricsCollector) IncBuffersRecycled() { mc.buffersRecyc.Inc() }

// IncVerifyMismatch records one cross-source verification mismatch of
// the given kind ("event_nb", "ts_exact", "ts_tolerant").
func (mc *MetricsCollector) IncVerifyMismatch(kind string) {
	mc.verifyMismatch.WithLabelValues(kind).Inc()
}

// Describe implements prometheus.Collector.
func (mc *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.cmdPosted
	ch <- mc.cmdReply
	ch <- mc.daqPosted
	ch <- mc.daqReply
	ch <- mc.daqReplyLoss
	ch <- mc.daqReplyDupl
	ch <- mc.cmdFailed
	ch <- mc.reqCredit
	ch <- mc.pndRecv
	mc.eventsBuilt.Describe(ch)
	mc.buffersRecyc.Describe(ch)
	mc.verifyMismatch.Describe(ch)
}

// Collect implements prometheus.Collector.
func (mc *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for idx, p := range mc.proxies {
		label := fmt.Sprint(idx)
		ch <- prometheus.MustNewConstMetric(mc.cmdPosted, prometheus.CounterValue, float64(p.Stats.CmdPosted), label)
		ch <- prometheus.MustNewConstMetric(mc.cmdReply, prometheus.CounterValue, float64(p.Stats.CmdReply), label)
		ch <- prometheus.MustNewConstMetric(mc.daqPosted, prometheus.CounterValue, float64(p.Stats.DaqPosted), label)
		ch <- prometheus.MustNewConstMetric(mc.daqReply, prometheus.CounterValue, float64(p.Stats.DaqReply), label)
		ch <- prometheus.MustNewConstMetric(mc.daqReplyLoss, prometheus.CounterValue, float64(p.Stats.DaqReplyLoss), label)
		ch <- prometheus.MustNewConstMetric(mc.daqReplyDupl, prometheus.CounterValue, float64(p.Stats.DaqReplyDupl), label)
		ch <- prometheus.MustNewConstMetric(mc.cmdFailed, prometheus.CounterValue, float64(p.Stats.CmdFailed), label)
		ch <- prometheus.MustNewConstMetric(mc.reqCredit, prometheus.GaugeValue, float64(p.ReqCredit), label)
		ch <- prometheus.MustNewConstMetric(mc.pndRecv, prometheus.GaugeValue, float64(p.PndRecv), label)
	}
	mc.eventsBuilt.Collect(ch)
	mc.buffersRecyc.Collect(ch)
	mc.verifyMismatch.Collect(ch)
}
