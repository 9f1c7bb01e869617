package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/stowage/internal/audit"
)

type gatewayMetrics struct {
	registry    *prometheus.Registry
	connections *prometheus.CounterVec
	eventsSent  prometheus.Counter
}

func newGatewayMetrics(s *Server) *gatewayMetrics {
	m := &gatewayMetrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_gateway_connections_total",
			Help: "Websocket connection attempts by result.",
		}, []string{"result"}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stowage_gateway_events_sent_total",
			Help: "Folder events written to websocket clients.",
		}),
	}
	m.registry.MustRegister(
		m.connections,
		m.eventsSent,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stowage_gateway_ws_clients",
			Help: "Open websocket streams.",
		}, func() float64 { return float64(s.clients.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "stowage_bus_dropped_total",
			Help: "Bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(s.cfg.Bus.Dropped()) }),
		&statusCollector{s: s},
	)
	return m
}

func (m *gatewayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	drainerRunningDesc = prometheus.NewDesc("stowage_drainer_running_tasks",
		"Tasks claimed and not yet finished.", []string{"owner"}, nil)
	drainerCeilingDesc = prometheus.NewDesc("stowage_drainer_ceiling",
		"Concurrency ceiling.", []string{"owner"}, nil)
	drainerCyclesDesc = prometheus.NewDesc("stowage_drainer_cycles_total",
		"Completed drain cycles.", []string{"owner"}, nil)
	workerReadyDesc = prometheus.NewDesc("stowage_worker_ready",
		"1 when the worker child finished init.", []string{"instance"}, nil)
	workerRestartsDesc = prometheus.NewDesc("stowage_worker_restarts_total",
		"Automatic worker restarts.", []string{"instance"}, nil)
	auditEventsDesc = prometheus.NewDesc("stowage_audit_events_total",
		"Audit log entries by outcome.", []string{"outcome"}, nil)
)

// statusCollector reads drainer and worker status at scrape time.
type statusCollector struct {
	s *Server
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- drainerRunningDesc
	ch <- drainerCeilingDesc
	ch <- drainerCyclesDesc
	ch <- workerReadyDesc
	ch <- workerRestartsDesc
	ch <- auditEventsDesc
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	for outcome, n := range audit.Counts() {
		ch <- prometheus.MustNewConstMetric(auditEventsDesc, prometheus.CounterValue, float64(n), string(outcome))
	}
	for _, d := range c.s.cfg.Drainers {
		st := d.Status()
		owner := string(st.Owner)
		ch <- prometheus.MustNewConstMetric(drainerRunningDesc, prometheus.GaugeValue, float64(st.Running), owner)
		ch <- prometheus.MustNewConstMetric(drainerCeilingDesc, prometheus.GaugeValue, float64(st.Ceiling), owner)
		ch <- prometheus.MustNewConstMetric(drainerCyclesDesc, prometheus.CounterValue, float64(st.Cycles), owner)
	}
	if c.s.cfg.Worker == nil {
		return
	}
	st := c.s.cfg.Worker.Status()
	ready := 0.0
	if st.Ready {
		ready = 1
	}
	instance := st.InstanceID
	if instance == "" {
		instance = strconv.Itoa(st.PID)
	}
	ch <- prometheus.MustNewConstMetric(workerReadyDesc, prometheus.GaugeValue, ready, instance)
	ch <- prometheus.MustNewConstMetric(workerRestartsDesc, prometheus.CounterValue, float64(st.Restarts), instance)
}
