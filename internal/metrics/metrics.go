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

// Package metrics holds the process-wide Prometheus collectors shared
// across the probe manager, ring consumer, tracking GC, and flow
// enricher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// RingLostRecords counts ring sequence gaps observed by the event
	// ring consumer: a non-fatal signal the kernel producer outran the
	// user-side reader.
	RingLostRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retis_ring_lost_records",
		Help: "Number of ring records lost (sequence gaps) since start",
	})

	// ProbesAttached is the number of probes successfully attached by
	// the probe manager.
	ProbesAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retis_probes_attached",
		Help: "Number of probes currently attached",
	})

	// TrackingGCEvictions counts entries reaped per tracking-GC pass.
	TrackingGCEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retis_tracking_gc_evictions_total",
		Help: "Number of tracking map entries evicted",
	}, []string{"map"})

	// EnrichmentRequests counts external daemon queries issued by the
	// flow enricher.
	EnrichmentRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retis_enrichment_requests_total",
		Help: "Number of flow-enrichment requests issued to the external daemon",
	})

	// EnrichmentCacheHits counts flow lookups served from cache without
	// an external request.
	EnrichmentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retis_enrichment_cache_hits_total",
		Help: "Number of flow-enrichment lookups served from cache",
	})
)

// Serve exposes the registered collectors on addr until the process
// exits; listen errors are logged, not fatal (metrics are diagnostic).
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics server on %s: %v", addr, err)
		}
	}()
}
