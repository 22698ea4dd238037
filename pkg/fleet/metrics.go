package fleet

import (
	"github.com/oursky/inference-balancer/pkg/utils/promutil"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	producer SnapshotProducer

	agents         *promutil.MetricDesc
	slotsTotal     *promutil.MetricDesc
	slotsBusy      *promutil.MetricDesc
	queuedRequests *promutil.MetricDesc
	desiredState   *promutil.MetricDesc
}

// NewMetrics registers a collector exposing the fleet view of producer.
func NewMetrics(producer SnapshotProducer, r prometheus.Registerer) prometheus.Collector {
	m := &metrics{
		producer: producer,

		agents: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "inference_balancer",
			Name:      "agents",
			Help:      "Number of registered agents.",
		}),
		slotsTotal: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "inference_balancer",
			Subsystem: "agent",
			Name:      "slots_total",
			Help:      "Number of slots declared by the agent.",
		}, "agent_id", "name", "model"),
		slotsBusy: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "inference_balancer",
			Subsystem: "agent",
			Name:      "slots_busy",
			Help:      "Number of slots processing requests.",
		}, "agent_id", "name", "model"),
		queuedRequests: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "inference_balancer",
			Subsystem: "agent",
			Name:      "queued_requests",
			Help:      "Number of requests waiting for a free slot.",
		}, "agent_id", "name", "model"),
		desiredState: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "inference_balancer",
			Subsystem: "agent",
			Name:      "desired_state",
			Help:      "Describes the desired lifecycle state of the agent.",
		}, "agent_id", "state"),
	}
	r.MustRegister(m)
	return m
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	promutil.Describe(ch, m.agents, m.slotsTotal, m.slotsBusy, m.queuedRequests, m.desiredState)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	snapshot, err := m.producer.MakeSnapshot()
	if err != nil {
		return
	}

	ch <- m.agents.Gauge(float64(snapshot.AgentCount))
	for _, a := range snapshot.Agents {
		ch <- m.slotsTotal.Gauge(float64(a.Status.SlotsTotal), a.ID, a.Name, a.Status.Model)
		ch <- m.slotsBusy.Gauge(float64(a.Status.SlotsBusy), a.ID, a.Name, a.Status.Model)
		ch <- m.queuedRequests.Gauge(float64(a.Status.QueuedRequests), a.ID, a.Name, a.Status.Model)

		for _, state := range desiredStates {
			ch <- m.desiredState.GaugeBool(a.DesiredState == state, a.ID, string(state))
		}
	}
}
