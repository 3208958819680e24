package stats

import "github.com/prometheus/client_golang/prometheus"

// metricInfo pairs a Prometheus descriptor with the function extracting its
// value from a Metrics snapshot.
type metricInfo struct {
	description *prometheus.Desc
	supplier    func(m *Metrics, labelValues []string) prometheus.Metric
}

// Collector exposes a set of endpoint Metrics to Prometheus. Register one
// collector per process and add each endpoint's Metrics under its own label
// values, e.g. an endpoint instance id.
//
// Collect reads counters without locking, matching the single-threaded host
// model; hosts driving endpoints from a goroutine other than the scraper
// must serialise externally.
type Collector struct {
	endpoints map[*Metrics][]string
	infos     []metricInfo
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for m, labels := range c.endpoints {
		for _, info := range c.infos {
			metrics <- info.supplier(m, labels)
		}
	}
}

// Add registers an endpoint's Metrics with the given label values, which
// must match the label names the collector was constructed with.
func (c *Collector) Add(m *Metrics, labelValues []string) {
	c.endpoints[m] = labelValues
}

// Remove drops a previously added Metrics from collection.
func (c *Collector) Remove(m *Metrics) {
	delete(c.endpoints, m)
}

// NewCollector returns a Collector whose metric names are prefixed with
// namespace. labels names the per-endpoint label dimensions; constLabels
// apply to every exported metric.
func NewCollector(namespace string, labels []string, constLabels prometheus.Labels) *Collector {
	c := &Collector{endpoints: make(map[*Metrics][]string)}

	counter := func(d DataPoint, help string) metricInfo {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "protocol", d.String()+"_total"),
			help, labels, constLabels,
		)
		return metricInfo{
			description: desc,
			supplier: func(m *Metrics, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(m.Count(d)), labelValues...)
			},
		}
	}
	gauge := func(name, help string, read func(*Metrics) float32) metricInfo {
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "protocol", name),
			help, labels, constLabels,
		)
		return metricInfo{
			description: desc,
			supplier: func(m *Metrics, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(read(m)), labelValues...)
			},
		}
	}

	c.infos = []metricInfo{
		counter(PacketsSent, "Datagrams handed to the output sink."),
		counter(PacketsReceived, "Datagrams accepted from the wire."),
		counter(PacketsAcked, "Reliable segments acknowledged by the peer."),
		counter(PacketsStale, "Datagrams dropped as older than already-delivered data."),
		counter(PacketsInvalid, "Datagrams dropped as malformed or failing checksum."),
		counter(PacketsTooLargeToSend, "Send attempts rejected for exceeding the payload cap."),
		counter(PacketsTooLargeToReceive, "Receives rejected for exceeding the reassembly cap."),
		counter(FragmentsSent, "Fragments emitted for oversize payloads."),
		counter(FragmentsReceived, "Fragments accepted for reassembly."),
		counter(FragmentsInvalid, "Fragments dropped as inconsistent with their group."),
		gauge("sent_bandwidth_kbps", "Smoothed outgoing bandwidth.", (*Metrics).SentBandwidthKbps),
		gauge("received_bandwidth_kbps", "Smoothed incoming bandwidth.", (*Metrics).ReceivedBandwidthKbps),
		gauge("acked_bandwidth_kbps", "Smoothed acknowledged bandwidth.", (*Metrics).AckedBandwidthKbps),
	}
	return c
}
