package pe

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollector exports a Metrics instance as a prometheus.Collector,
// following the const-metric Describe/Collect split used by fabric exporters
// in this ecosystem: Describe declares stable descriptors up front, Collect
// reads the atomic counters on every scrape without holding them locked.
type PrometheusCollector struct {
	metrics *Metrics

	getOpsDesc, putOpsDesc, atomicOpsDesc, sendOpsDesc, recvOpsDesc             *prometheus.Desc
	getBytesDesc, putBytesDesc, sendBytesDesc, recvBytesDesc                   *prometheus.Desc
	getErrDesc, putErrDesc, atomicErrDesc, sendErrDesc, recvErrDesc            *prometheus.Desc
	keyRequestsDesc, keyRequestFailedDesc, keyRequestRetriesDesc               *prometheus.Desc
	listDepthDesc, latencyAvgDesc, uptimeDesc                                  *prometheus.Desc
}

// NewPrometheusCollector builds a collector over m. Register it with a
// prometheus.Registry to expose these series on a scrape endpoint.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	return &PrometheusCollector{
		metrics:              m,
		getOpsDesc:           prometheus.NewDesc("pe_get_ops_total", "Total GET operations issued.", nil, nil),
		putOpsDesc:           prometheus.NewDesc("pe_put_ops_total", "Total PUT operations issued.", nil, nil),
		atomicOpsDesc:        prometheus.NewDesc("pe_atomic_ops_total", "Total atomic operations issued.", nil, nil),
		sendOpsDesc:          prometheus.NewDesc("pe_send_ops_total", "Total send messages issued.", nil, nil),
		recvOpsDesc:          prometheus.NewDesc("pe_recv_ops_total", "Total receive completions matched.", nil, nil),
		getBytesDesc:         prometheus.NewDesc("pe_get_bytes_total", "Total bytes transferred by GET.", nil, nil),
		putBytesDesc:         prometheus.NewDesc("pe_put_bytes_total", "Total bytes transferred by PUT.", nil, nil),
		sendBytesDesc:        prometheus.NewDesc("pe_send_bytes_total", "Total bytes transferred by send.", nil, nil),
		recvBytesDesc:        prometheus.NewDesc("pe_recv_bytes_total", "Total bytes transferred by receive.", nil, nil),
		getErrDesc:           prometheus.NewDesc("pe_get_errors_total", "Total failed GET operations.", nil, nil),
		putErrDesc:           prometheus.NewDesc("pe_put_errors_total", "Total failed PUT operations.", nil, nil),
		atomicErrDesc:        prometheus.NewDesc("pe_atomic_errors_total", "Total failed atomic operations.", nil, nil),
		sendErrDesc:          prometheus.NewDesc("pe_send_errors_total", "Total failed send operations.", nil, nil),
		recvErrDesc:          prometheus.NewDesc("pe_recv_errors_total", "Total failed receive operations.", nil, nil),
		keyRequestsDesc:       prometheus.NewDesc("pe_key_requests_total", "Total key broker resolution requests.", nil, nil),
		keyRequestFailedDesc:  prometheus.NewDesc("pe_key_request_failures_total", "Total key broker resolutions that exhausted retries.", nil, nil),
		keyRequestRetriesDesc: prometheus.NewDesc("pe_key_request_retries_total", "Total key broker resolution retry attempts.", nil, nil),
		listDepthDesc:         prometheus.NewDesc("pe_list_depth_avg", "Average observed RX list depth.", nil, nil),
		latencyAvgDesc:        prometheus.NewDesc("pe_latency_avg_ns", "Average operation latency in nanoseconds.", nil, nil),
		uptimeDesc:            prometheus.NewDesc("pe_uptime_ns", "Engine uptime in nanoseconds.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.getOpsDesc
	ch <- c.putOpsDesc
	ch <- c.atomicOpsDesc
	ch <- c.sendOpsDesc
	ch <- c.recvOpsDesc
	ch <- c.getBytesDesc
	ch <- c.putBytesDesc
	ch <- c.sendBytesDesc
	ch <- c.recvBytesDesc
	ch <- c.getErrDesc
	ch <- c.putErrDesc
	ch <- c.atomicErrDesc
	ch <- c.sendErrDesc
	ch <- c.recvErrDesc
	ch <- c.keyRequestsDesc
	ch <- c.keyRequestFailedDesc
	ch <- c.keyRequestRetriesDesc
	ch <- c.listDepthDesc
	ch <- c.latencyAvgDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.getOpsDesc, prometheus.CounterValue, float64(snap.GetOps))
	ch <- prometheus.MustNewConstMetric(c.putOpsDesc, prometheus.CounterValue, float64(snap.PutOps))
	ch <- prometheus.MustNewConstMetric(c.atomicOpsDesc, prometheus.CounterValue, float64(snap.AtomicOps))
	ch <- prometheus.MustNewConstMetric(c.sendOpsDesc, prometheus.CounterValue, float64(snap.SendOps))
	ch <- prometheus.MustNewConstMetric(c.recvOpsDesc, prometheus.CounterValue, float64(snap.RecvOps))

	ch <- prometheus.MustNewConstMetric(c.getBytesDesc, prometheus.CounterValue, float64(snap.GetBytes))
	ch <- prometheus.MustNewConstMetric(c.putBytesDesc, prometheus.CounterValue, float64(snap.PutBytes))
	ch <- prometheus.MustNewConstMetric(c.sendBytesDesc, prometheus.CounterValue, float64(snap.SendBytes))
	ch <- prometheus.MustNewConstMetric(c.recvBytesDesc, prometheus.CounterValue, float64(snap.RecvBytes))

	ch <- prometheus.MustNewConstMetric(c.getErrDesc, prometheus.CounterValue, float64(snap.GetErrors))
	ch <- prometheus.MustNewConstMetric(c.putErrDesc, prometheus.CounterValue, float64(snap.PutErrors))
	ch <- prometheus.MustNewConstMetric(c.atomicErrDesc, prometheus.CounterValue, float64(snap.AtomicErrors))
	ch <- prometheus.MustNewConstMetric(c.sendErrDesc, prometheus.CounterValue, float64(snap.SendErrors))
	ch <- prometheus.MustNewConstMetric(c.recvErrDesc, prometheus.CounterValue, float64(snap.RecvErrors))

	ch <- prometheus.MustNewConstMetric(c.keyRequestsDesc, prometheus.CounterValue, float64(snap.KeyRequests))
	ch <- prometheus.MustNewConstMetric(c.keyRequestFailedDesc, prometheus.CounterValue, float64(snap.KeyRequestFailed))
	ch <- prometheus.MustNewConstMetric(c.keyRequestRetriesDesc, prometheus.CounterValue, float64(snap.KeyRequestRetries))

	ch <- prometheus.MustNewConstMetric(c.listDepthDesc, prometheus.GaugeValue, snap.AvgListDepth)
	ch <- prometheus.MustNewConstMetric(c.latencyAvgDesc, prometheus.GaugeValue, float64(snap.AvgLatencyNs))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, float64(snap.UptimeNs))
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
