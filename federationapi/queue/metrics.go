package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// sendQueueDepthValue tracks the exact queued-transaction count so
// observeSendQueueDepth can apply relative deltas to the gauge without a
// read-modify-write race against concurrent workers.
var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "matrixcore",
	Subsystem: "federationapi",
	Name:      "send_queue_depth",
	Help:      "Number of PDU/EDU transactions currently queued for outbound federation delivery.",
})

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

func observeSendQueueDepth(delta int) {
	v := sendQueueDepthValue.Add(int64(delta))
	sendQueueDepth.Set(float64(v))
}
