package services_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/Aidin1998/cashspend/testutil"
)

func BenchmarkEngineSpend(b *testing.B) {
	h := testutil.NewHarness(b, nil)
	account := testutil.NewAccount(b)
	h.Register(account, 1_000_000_000, 1_000_000_000)
	h.Fund(account, testutil.TokenUSDC, "1000000000")

	latencies := make([]time.Duration, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := testutil.SpendRequest(account, fmt.Sprintf("tx-%d", i), usdc(), "1")
		start := time.Now()
		if _, err := h.Engine.Spend(h.Ctx, testutil.Processor, req); err != nil {
			b.Fatal(err)
		}
		latencies = append(latencies, time.Since(start))
	}
	b.StopTimer()

	b.ReportMetric(float64(testutil.Percentile(latencies, 0.50).Microseconds()), "p50-us")
	b.ReportMetric(float64(testutil.Percentile(latencies, 0.99).Microseconds()), "p99-us")
}
