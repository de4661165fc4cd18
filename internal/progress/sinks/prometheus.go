package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/booth-crawler/internal/progress"
)

// PrometheusSink derives job-level gauges from the progress stream.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobsEnded   *prometheus.CounterVec
	pages       *prometheus.CounterVec
	booths      prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the sink's collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booths_progress_events_total",
			Help: "Progress events by stage.",
		}, []string{"stage"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "booths_progress_jobs_running",
			Help: "Jobs that started and have not yet ended, as seen by this replica.",
		}),
		jobsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booths_progress_jobs_ended_total",
			Help: "Jobs that reached a terminal stage.",
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booths_progress_pages_total",
			Help: "Crawled pages reported per source.",
		}, []string{"source"}),
		booths: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booths_progress_booths_per_job",
			Help:    "Booths extracted per completed job.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		tracker: newJobTracker(),
	}
	for _, c := range []prometheus.Collector{s.events, s.jobsRunning, s.jobsEnded, s.pages, s.booths} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageStarted:
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StagePage:
			source := evt.SourceName
			if source == "" {
				source = "unknown"
			}
			// The hub coalesces page events, so count by high-water mark.
			if delta := s.tracker.advance(evt.JobID, evt.Current); delta > 0 {
				s.pages.WithLabelValues(source).Add(float64(delta))
			}
		case progress.StageCompleted:
			s.jobsEnded.WithLabelValues("completed").Inc()
			s.booths.Observe(float64(evt.BoothsSoFar))
		case progress.StageFailed:
			s.jobsEnded.WithLabelValues("failed").Inc()
		}
		if evt.Stage.Terminal() && s.tracker.end(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
	pages   map[string]int
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{}), pages: make(map[string]int)}
}

// advance records the job's page count and returns how many pages are new.
// Events without a count are worth one page.
func (t *jobTracker) advance(id string, current int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.pages[id]
	if current <= 0 {
		t.pages[id] = prev + 1
		return 1
	}
	if current <= prev {
		return 0
	}
	t.pages[id] = current
	return current - prev
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) end(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		delete(t.pages, id)
		return false
	}
	delete(t.running, id)
	delete(t.pages, id)
	return true
}
