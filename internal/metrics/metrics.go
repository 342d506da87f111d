// Package metrics exports evolution-loop counters and gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evorl/internal/model"
)

// Recorder receives events from the population monitor.
type Recorder interface {
	ObserveGeneration(runID string, diag model.GenerationDiagnostics)
	ObserveMutation(category string, noop bool)
	ObserveEvaluation(d time.Duration)
	ObserveClone(elite bool)
}

type Nop struct{}

func (Nop) ObserveGeneration(string, model.GenerationDiagnostics) {}
func (Nop) ObserveMutation(string, bool) {}
func (Nop) ObserveEvaluation(time.Duration) {}
func (Nop) ObserveClone(bool) {}

// Prometheus records on its own registry so that several monitors can run in
// one process.
type Prometheus struct {
	registry *prometheus.Registry

	generations *prometheus.CounterVec
	bestFitness *prometheus.GaugeVec
	meanFitness *prometheus.GaugeVec
	parameters  *prometheus.GaugeVec
	mutations   *prometheus.CounterVec
	noops       prometheus.Counter
	clones      *prometheus.CounterVec
	evaluation  prometheus.Histogram
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evorl_generations_total",
			Help: "Completed generations.",
		}, []string{"run_id"}),
		bestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evorl_best_fitness",
			Help: "Best effective fitness of the latest generation.",
		}, []string{"run_id"}),
		meanFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evorl_mean_fitness",
			Help: "Mean effective fitness of the latest generation.",
		}, []string{"run_id"}),
		parameters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evorl_mean_parameters",
			Help: "Mean online parameter count per individual.",
		}, []string{"run_id"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evorl_mutations_total",
			Help: "Mutations applied by category.",
		}, []string{"category"}),
		noops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evorl_mutation_noops_total",
			Help: "Mutations that hit a bound and changed nothing.",
		}),
		clones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evorl_clones_total",
			Help: "Individuals cloned by selection.",
		}, []string{"kind"}),
		evaluation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evorl_evaluation_seconds",
			Help:    "Wall time of one individual evaluation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	p.registry.MustRegister(p.generations, p.bestFitness, p.meanFitness, p.parameters, p.mutations, p.noops, p.clones, p.evaluation)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ObserveGeneration(runID string, diag model.GenerationDiagnostics) {
	p.generations.WithLabelValues(runID).Inc()
	p.bestFitness.WithLabelValues(runID).Set(diag.BestFitness)
	p.meanFitness.WithLabelValues(runID).Set(diag.MeanFitness)
	p.parameters.WithLabelValues(runID).Set(diag.MeanParameters)
}

func (p *Prometheus) ObserveMutation(category string, noop bool) {
	p.mutations.WithLabelValues(category).Inc()
	if noop {
		p.noops.Inc()
	}
}

func (p *Prometheus) ObserveEvaluation(d time.Duration) {
	p.evaluation.Observe(d.Seconds())
}

func (p *Prometheus) ObserveClone(elite bool) {
	kind := model.LineageTournamentClone
	if elite {
		kind = model.LineageEliteClone
	}
	p.clones.WithLabelValues(kind).Inc()
}
