// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/sentry"
)

const (
	// Component labels.
	ComponentLocalStore       = "local_store"
	ComponentMutationQueue    = "mutation_queue"
	ComponentQueryEngine      = "query_engine"
	ComponentGarbageCollector = "garbage_collector"
	ComponentRemoteStore      = "remote_store"
	ComponentWatchStream      = "watch_stream"
	ComponentWriteStream      = "write_stream"
	ComponentSyncEngine       = "sync_engine"
	ComponentAsyncQueue       = "async_queue"
	ComponentPersistence      = "persistence"
	ComponentTransport        = "transport"
)

var (
	namespace = "docsync"
	subsystem = "engine"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "view_snapshots_total",
			Help:      "Total number of view snapshots raised to listeners",
		},
		[]string{"from_cache"},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutation_batches_total",
			Help:      "Total number of mutation batches by outcome (written, acknowledged, rejected)",
		},
		[]string{"outcome"},
	)

	remoteEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_events_total",
			Help:      "Total number of remote events applied to the local store",
		},
	)

	streamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_state",
			Help:      "Current state of a stream (0=initial, 1=auth, 2=open, 3=healthy, 4=error, 5=backoff, 6=closed, -1=unknown)",
		},
		[]string{"stream"},
	)

	streamRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_restarts_total",
			Help:      "Total number of stream restarts by error code",
		},
		[]string{"stream", "code"},
	)

	onlineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "online_state",
			Help:      "Current online state (0=unknown, 1=online, 2=offline)",
		},
	)

	queryExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_executions_total",
			Help:      "Total number of local query executions by path (index, previous_results, full_scan)",
		},
		[]string{"path"},
	)

	documentsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_documents_read_total",
			Help:      "Total number of documents read by local query executions by path",
		},
		[]string{"path"},
	)

	gcRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gc_removed_total",
			Help:      "Total number of targets and documents removed by garbage collection",
		},
		[]string{"kind"},
	)

	limboResolutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "limbo_resolutions_total",
			Help:      "Total number of limbo resolution listens started",
		},
	)

	existenceFilterMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "existence_filter_mismatches_total",
			Help:      "Total number of existence filter mismatches by bloom filter outcome",
		},
		[]string{"bloom_filter"},
	)

	writePipelineDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "write_pipeline_depth",
			Help:      "Number of mutation batches sent and not yet acknowledged",
		},
	)

	transactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transaction_duration_seconds",
			Help:      "Duration of local store transactions in seconds",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// SetupMetricsEndpoint starts an HTTP server to expose metrics.
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter for a component and logs
// the error at debug level if a logger is provided.
func IncErrorCountAndLog(component string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component)

	if log != nil {
		log.Debugf("Component %s failed: %v", component, err)
	}
}

func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

func RecordSnapshot(fromCache bool) {
	snapshotsTotal.WithLabelValues(boolLabel(fromCache)).Inc()
}

// RecordBatch counts a mutation batch outcome.
func RecordBatch(outcome string) {
	mutationsTotal.WithLabelValues(outcome).Inc()
}

func RecordRemoteEvent() {
	remoteEventsTotal.Inc()
}

// SetStreamState records the state of the named stream.
func SetStreamState(stream, state string) {
	streamState.WithLabelValues(stream).Set(streamStateValue(state))
}

func RecordStreamRestart(stream, code string) {
	streamRestarts.WithLabelValues(stream, code).Inc()
}

// SetOnlineState records the online state by name.
func SetOnlineState(state string) {
	switch state {
	case "online":
		onlineState.Set(1)
	case "offline":
		onlineState.Set(2)
	default:
		onlineState.Set(0)
	}
}

// RecordQueryExecution counts one local query execution and the documents it
// read.
func RecordQueryExecution(path string, docsRead int) {
	queryExecutions.WithLabelValues(path).Inc()
	documentsRead.WithLabelValues(path).Add(float64(docsRead))
}

func RecordGarbageCollection(targetsRemoved, documentsRemoved int) {
	gcRemoved.WithLabelValues("targets").Add(float64(targetsRemoved))
	gcRemoved.WithLabelValues("documents").Add(float64(documentsRemoved))
}

func RecordLimboResolution() {
	limboResolutions.Inc()
}

// RecordExistenceFilterMismatch counts a mismatch and whether the bloom
// filter resolved it.
func RecordExistenceFilterMismatch(bloomResult string) {
	existenceFilterMismatches.WithLabelValues(bloomResult).Inc()
}

func SetWritePipelineDepth(n int) {
	writePipelineDepth.Set(float64(n))
}

func ObserveTransactionDuration(operation string, d time.Duration) {
	transactionDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}

	return "false"
}

func streamStateValue(state string) float64 {
	switch state {
	case "initial":
		return 0
	case "auth":
		return 1
	case "open":
		return 2
	case "healthy":
		return 3
	case "error":
		return 4
	case "backoff":
		return 5
	case "closed":
		return 6
	default:
		return -1
	}
}
