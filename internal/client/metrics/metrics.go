// Package metrics counts what the sync core does with the events and
// responses it sees. A nil *Sync is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

type Sync struct {
	merges       *prometheus.CounterVec
	duplicates   prometheus.Counter
	dropped      *prometheus.CounterVec
	stateChanges *prometheus.CounterVec
	resyncs      prometheus.Counter
	readAcks     prometheus.Counter
	sendFailures *prometheus.CounterVec
}

// New registers the sync counters on reg.
func New(reg prometheus.Registerer) *Sync {
	s := &Sync{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_merges_total",
			Help:      "Live messages offered to the open timeline, by outcome.",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Socket messages ignored because their id was already seen.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Inbound events dropped as malformed.",
		}, []string{"event"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_states_total",
			Help:      "Transport state transitions.",
		}, []string{"state"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Directory resynchronizations.",
		}),
		readAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_acks_total",
			Help:      "Messages the server confirmed as read.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Optimistic sends rolled back, by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(s.merges, s.duplicates, s.dropped, s.stateChanges, s.resyncs, s.readAcks, s.sendFailures)
	return s
}

func (s *Sync) Merge(result string) {
	if s != nil {
		s.merges.WithLabelValues(result).Inc()
	}
}

func (s *Sync) Duplicate() {
	if s != nil {
		s.duplicates.Inc()
	}
}

func (s *Sync) Dropped(event string) {
	if s != nil {
		s.dropped.WithLabelValues(event).Inc()
	}
}

func (s *Sync) State(state string) {
	if s != nil {
		s.stateChanges.WithLabelValues(state).Inc()
	}
}

func (s *Sync) Resync() {
	if s != nil {
		s.resyncs.Inc()
	}
}

func (s *Sync) ReadAcks(n int) {
	if s != nil && n > 0 {
		s.readAcks.Add(float64(n))
	}
}

func (s *Sync) SendFailure(kind string) {
	if s != nil {
		s.sendFailures.WithLabelValues(kind).Inc()
	}
}
