package lib

import "github.com/prometheus/client_golang/prometheus"

type clientCollector struct {
	client *Client

	connectAttempts *prometheus.Desc
	connectFailures *prometheus.Desc
	disconnects     *prometheus.Desc
	reconnects      *prometheus.Desc
	bytesIn         *prometheus.Desc
	bytesOut        *prometheus.Desc
	retryCnt        *prometheus.Desc
	delaySeconds    *prometheus.Desc
	connected       *prometheus.Desc
}

// NewCollector exposes the counters and reconnect state of c, labelled with its address.
func NewCollector(namespace string, c *Client) prometheus.Collector {
	labels := prometheus.Labels{"addr": c.Addr}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "tcp_client", name), help, nil, labels)
	}

	return &clientCollector{
		client:          c,
		connectAttempts: desc("connect_attempts_total", "Connection attempts started"),
		connectFailures: desc("connect_failures_total", "Connection attempts that failed"),
		disconnects:     desc("disconnects_total", "Established connections that went down"),
		reconnects:      desc("reconnects_total", "Reconnect timers armed"),
		bytesIn:         desc("received_bytes_total", "Bytes read from the socket"),
		bytesOut:        desc("sent_bytes_total", "Bytes written to the socket"),
		retryCnt:        desc("retry_count", "Consecutive failed attempts since the last connection"),
		delaySeconds:    desc("reconnect_delay_seconds", "Delay of the latest reconnect attempt"),
		connected:       desc("connected", "1 if the client is connected, otherwise 0"),
	}
}

func (cc *clientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.connectAttempts
	ch <- cc.connectFailures
	ch <- cc.disconnects
	ch <- cc.reconnects
	ch <- cc.bytesIn
	ch <- cc.bytesOut
	ch <- cc.retryCnt
	ch <- cc.delaySeconds
	ch <- cc.connected
}

func (cc *clientCollector) Collect(ch chan<- prometheus.Metric) {
	s := cc.client.Stats()
	retryCnt, delay := cc.client.ReconnectState()

	var connected float64
	if cc.client.State() == ClientConnected {
		connected = 1
	}

	ch <- prometheus.MustNewConstMetric(cc.connectAttempts, prometheus.CounterValue, float64(s.ConnectAttempts))
	ch <- prometheus.MustNewConstMetric(cc.connectFailures, prometheus.CounterValue, float64(s.ConnectFailures))
	ch <- prometheus.MustNewConstMetric(cc.disconnects, prometheus.CounterValue, float64(s.Disconnects))
	ch <- prometheus.MustNewConstMetric(cc.reconnects, prometheus.CounterValue, float64(s.Reconnects))
	ch <- prometheus.MustNewConstMetric(cc.bytesIn, prometheus.CounterValue, float64(s.BytesIn))
	ch <- prometheus.MustNewConstMetric(cc.bytesOut, prometheus.CounterValue, float64(s.BytesOut))
	ch <- prometheus.MustNewConstMetric(cc.retryCnt, prometheus.GaugeValue, float64(retryCnt))
	ch <- prometheus.MustNewConstMetric(cc.delaySeconds, prometheus.GaugeValue, delay.Seconds())
	ch <- prometheus.MustNewConstMetric(cc.connected, prometheus.GaugeValue, connected)
}
