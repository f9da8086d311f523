package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replication"

// Replication groups the collectors of the replication layer. Each instance
// owns its collectors so several clients can run in one process.
type Replication struct {
	Writes             *prometheus.CounterVec
	Removals           prometheus.Counter
	Despawns           prometheus.Counter
	RejectedEntities   *prometheus.CounterVec
	PlaceholderSpawns  prometheus.Counter
	StaleRejections    prometheus.Counter
	BatchBytes         prometheus.Histogram
	SerializedEntities prometheus.Counter
}

func New() *Replication {
	return &Replication{
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Component writes applied on the client, by result.",
		}, []string{"result"}),
		Removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Component removals applied on the client.",
		}),
		Despawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "despawns_total",
			Help:      "Entity despawns applied on the client.",
		}),
		RejectedEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_entities_total",
			Help:      "Entity updates rejected because of protocol errors, by reason.",
		}, []string{"reason"}),
		PlaceholderSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholder_spawns_total",
			Help:      "Client entities spawned for server entities first seen inside a payload.",
		}),
		StaleRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_rejections_total",
			Help:      "Mutations dropped by last-write-wins tick guards.",
		}),
		BatchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_bytes",
			Help:      "Encoded size of replication batches.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		}),
		SerializedEntities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serialized_entities_total",
			Help:      "Entities with at least one changed component serialized by the server.",
		}),
	}
}

func (m *Replication) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Writes,
		m.Removals,
		m.Despawns,
		m.RejectedEntities,
		m.PlaceholderSpawns,
		m.StaleRejections,
		m.BatchBytes,
		m.SerializedEntities,
	}
}

// Register adds the collectors to reg, or to the default registerer when reg
// is nil. Collectors that are already registered are skipped.
func (m *Replication) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, collector := range m.collectors() {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
