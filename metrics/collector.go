// Copyright 2022 The notifyrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the relay's operational metrics in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifyrelay"

// Collector relay metrics, kept in a private registry.
//
// All methods are no-ops on a nil *Collector.
type Collector struct {
	registry          *prometheus.Registry
	activeConnections prometheus.Gauge
	connections       *prometheus.CounterVec
	subscribeFailures prometheus.Counter
	delivered         prometheus.Counter
	dropped           *prometheus.CounterVec
}

// GetCollector define a new Collector
func GetCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of open websocket connections",
		}),
		connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_attempts_total",
				Help:      "Websocket connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		subscribeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_failures_total",
			Help:      "Connections left without a channel subscription",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events written to websocket clients",
		}),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Channel messages not delivered, by reason",
			},
			[]string{"reason"},
		),
	}
}

// Handler the HTTP handler serving the metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ConnectionOpened record an accepted connection
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.WithLabelValues("accepted").Inc()
	c.activeConnections.Inc()
}

// ConnectionClosed record the end of an accepted connection
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
}

// ConnectionRejected record a refused connection attempt
func (c *Collector) ConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(reason).Inc()
}

// SubscribeFailed record a connection whose channel subscribe gave up
func (c *Collector) SubscribeFailed() {
	if c == nil {
		return
	}
	c.subscribeFailures.Inc()
}

// Delivered record one event written to a client
func (c *Collector) Delivered() {
	if c == nil {
		return
	}
	c.delivered.Inc()
}

// Dropped record one message that was not delivered
func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}
