/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package stats exposes Prometheus counters and gauges for the
// runtime and step pipeline, grounded on
// ptp/sptp/stats.PrometheusExporter's registry-and-promhttp-handler
// shape, but registered directly against in-process metrics rather
// than scraped from a second process.
package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats is the set of counters and gauges the step pipeline and
// runtime report against.
type Stats struct {
	registry *prometheus.Registry

	Retries            prometheus.Counter
	MessagesNeverAcked prometheus.Counter
	ParseErrors        prometheus.Counter
	ObserveFanOuts     prometheus.Counter
	OpenExchanges      prometheus.Gauge
}

// New builds a Stats instance and registers its collectors against a
// fresh registry.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "retries_total",
			Help:      "Number of message retransmissions sent by the retry step.",
		}),
		MessagesNeverAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "messages_never_acked_total",
			Help:      "Number of outbound messages whose retry budget was exhausted without a response.",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "parse_errors_total",
			Help:      "Number of inbound datagrams discarded because they failed to parse.",
		}),
		ObserveFanOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "observe_fan_outs_total",
			Help:      "Number of synthesized notifications sent to observe subscribers.",
		}),
		OpenExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap",
			Name:      "open_exchanges",
			Help:      "Number of exchanges currently tracked by the retry step.",
		}),
	}

	for _, c := range []prometheus.Collector{s.Retries, s.MessagesNeverAcked, s.ParseErrors, s.ObserveFanOuts, s.OpenExchanges} {
		if err := s.registry.Register(c); err != nil {
			log.Warningf("coap: stats: registering collector: %v", err)
		}
	}
	return s
}

// Serve starts an HTTP server exposing /metrics on port. It blocks,
// matching the fire-and-forget goroutine idiom of
// PrometheusExporter.Start.
func (s *Stats) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
