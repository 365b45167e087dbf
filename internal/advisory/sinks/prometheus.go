package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// PrometheusSink exports advisory counts and the number of spiders in each
// lifecycle state.
type PrometheusSink struct {
	advisories   *prometheus.CounterVec
	spiderStates *prometheus.GaugeVec
	lastAdvisory *prometheus.GaugeVec

	tracker *stateTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		advisories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_advisories_total",
			Help: "Advisories raised, partitioned by spider and kind.",
		}, []string{"spider", "kind"}),
		spiderStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spiderhost_spiders",
			Help: "Spiders currently in each lifecycle state.",
		}, []string{"state"}),
		lastAdvisory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spiderhost_last_advisory_timestamp_seconds",
			Help: "Unix time of the most recent advisory per spider.",
		}, []string{"spider"}),
		tracker: newStateTracker(),
	}
	for _, c := range []prometheus.Collector{s.advisories, s.spiderStates, s.lastAdvisory} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register advisory collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []advisory.Event) error {
	for _, evt := range batch {
		owner := evt.Spider.String()
		s.advisories.WithLabelValues(owner, string(evt.Kind)).Inc()
		s.lastAdvisory.WithLabelValues(owner).Set(float64(evt.TS.UnixNano()) / 1e9)
		if evt.Kind != advisory.KindLifecycle {
			continue
		}
		prev, had := s.tracker.move(evt.Spider, evt.State)
		if had {
			s.spiderStates.WithLabelValues(string(prev)).Dec()
		}
		if evt.State != spider.StateUnloaded {
			s.spiderStates.WithLabelValues(string(evt.State)).Inc()
		}
	}
	return nil
}

// Close implements advisory.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type stateTracker struct {
	mu     sync.Mutex
	states map[spider.ID]spider.State
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[spider.ID]spider.State)}
}

// move records next for id and returns the state it replaced.
func (t *stateTracker) move(id spider.ID, next spider.State) (spider.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, had := t.states[id]
	if next == spider.StateUnloaded {
		delete(t.states, id)
	} else {
		t.states[id] = next
	}
	return prev, had
}
