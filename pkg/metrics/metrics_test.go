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
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

var _ = Describe("Metrics", func() {
	It("should count errors per component", func() {
		before := testutil.ToFloat64(errorCounter.WithLabelValues(ComponentRemoteStore))
		IncErrorCountAndLog(ComponentRemoteStore, errors.New("boom"), zap.NewNop().Sugar())
		Expect(testutil.ToFloat64(errorCounter.WithLabelValues(ComponentRemoteStore))).To(Equal(before + 1))
	})

	It("should map stream states onto gauge values", func() {
		SetStreamState("watch", "healthy")
		Expect(testutil.ToFloat64(streamState.WithLabelValues("watch"))).To(Equal(3.0))
		SetStreamState("watch", "???")
		Expect(testutil.ToFloat64(streamState.WithLabelValues("watch"))).To(Equal(-1.0))
	})

	It("should record the online state", func() {
		SetOnlineState("offline")
		Expect(testutil.ToFloat64(onlineState)).To(Equal(2.0))
		SetOnlineState("unknown")
		Expect(testutil.ToFloat64(onlineState)).To(Equal(0.0))
	})

	It("should count query executions and documents read", func() {
		before := testutil.ToFloat64(documentsRead.WithLabelValues("full_scan"))
		RecordQueryExecution("full_scan", 7)
		Expect(testutil.ToFloat64(documentsRead.WithLabelValues("full_scan"))).To(Equal(before + 7))
	})

	It("should label existence filter mismatches by bloom filter outcome", func() {
		before := testutil.ToFloat64(existenceFilterMismatches.WithLabelValues("false_positive"))
		RecordExistenceFilterMismatch("false_positive")
		Expect(testutil.ToFloat64(existenceFilterMismatches.WithLabelValues("false_positive"))).To(Equal(before + 1))
	})

	It("should serve the metrics endpoint", func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		addr := l.Addr().String()
		Expect(l.Close()).To(Succeed())

		server := SetupMetricsEndpoint(addr)
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})

		RecordRemoteEvent()

		var body string
		Eventually(func() error {
			resp, err := http.Get("http://" + addr + "/metrics")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			b, err := io.ReadAll(resp.Body)
			body = string(b)

			return err
		}, 2*time.Second, 20*time.Millisecond).Should(Succeed())

		Expect(body).To(ContainSubstring("docsync_engine_remote_events_total"))
	})
})
