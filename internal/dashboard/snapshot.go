package dashboard

import (
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	bookingAttemptsFamily = "salon_booking_attempts_total"
	webhookLatencyFamily  = "salon_webhook_latency_seconds"
)

// WebhookLatency summarizes one provider's webhook handling time.
type WebhookLatency struct {
	Total int64   `json:"total"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// MetricsSnapshot is the in-process view of the counters since start-up.
type MetricsSnapshot struct {
	BookingAttempts map[string]int64          `json:"booking_attempts"`
	WebhookLatency  map[string]WebhookLatency `json:"webhook_latency"`
}

func snapshotMetrics(gatherer prometheus.Gatherer) MetricsSnapshot {
	out := MetricsSnapshot{BookingAttempts: map[string]int64{}, WebhookLatency: map[string]WebhookLatency{}}
	if gatherer == nil {
		return out
	}
	mfs, err := gatherer.Gather()
	if err != nil {
		return out
	}
	for _, mf := range mfs {
		switch mf.GetName() {
		case bookingAttemptsFamily:
			for _, metric := range mf.GetMetric() {
				outcome := labelValue(metric, "outcome")
				out.BookingAttempts[outcome] += int64(metric.GetCounter().GetValue())
			}
		case webhookLatencyFamily:
			for _, metric := range mf.GetMetric() {
				h := metric.GetHistogram()
				if h == nil || h.GetSampleCount() == 0 {
					continue
				}
				uppers, cumulative := bucketsOf(h)
				out.WebhookLatency[labelValue(metric, "provider")] = WebhookLatency{
					Total: int64(h.GetSampleCount()),
					P50Ms: histogramQuantile(0.50, h.GetSampleCount(), uppers, cumulative) * 1000,
					P95Ms: histogramQuantile(0.95, h.GetSampleCount(), uppers, cumulative) * 1000,
				}
			}
		}
	}
	return out
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func bucketsOf(h *dto.Histogram) ([]float64, map[float64]uint64) {
	cumulative := map[float64]uint64{}
	for _, b := range h.GetBucket() {
		cumulative[b.GetUpperBound()] = b.GetCumulativeCount()
	}
	cumulative[math.Inf(1)] = h.GetSampleCount()
	uppers := make([]float64, 0, len(cumulative))
	for upper := range cumulative {
		uppers = append(uppers, upper)
	}
	sort.Float64s(uppers)
	return uppers, cumulative
}

// histogramQuantile interpolates linearly inside the bucket holding the
// q-th sample. Samples in the overflow bucket report the last finite bound.
func histogramQuantile(q float64, total uint64, uppers []float64, cumulative map[float64]uint64) float64 {
	if total == 0 || q <= 0 {
		return 0
	}
	target := q * float64(total)
	var prevUpper, prevCum float64
	for _, upper := range uppers {
		cum := float64(cumulative[upper])
		if cum < target {
			prevUpper, prevCum = upper, cum
			continue
		}
		if math.IsInf(upper, 1) {
			return prevUpper
		}
		bucketCount := cum - prevCum
		if bucketCount <= 0 {
			return upper
		}
		fraction := math.Min(math.Max((target-prevCum)/bucketCount, 0), 1)
		return prevUpper + fraction*(upper-prevUpper)
	}
	return prevUpper
}
