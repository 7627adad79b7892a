// Package metrics exposes training progress as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the training collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	currentTask   prometheus.Gauge
	epochs        *prometheus.CounterVec
	batches       prometheus.Counter
	skippedSteps  prometheus.Counter
	loss          *prometheus.GaugeVec
	penalty       *prometheus.GaugeVec
	learningRate  prometheus.Gauge
	epochDuration prometheus.Histogram
	valIoU        *prometheus.GaugeVec
	valProb       *prometheus.GaugeVec
	finalIoU      *prometheus.GaugeVec
	finalProb     *prometheus.GaugeVec
	bwf           *prometheus.GaugeVec
	checkpoints   *prometheus.CounterVec
	replaySamples prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		currentTask: f.NewGauge(prometheus.GaugeOpts{
			Name: "vilco_current_task",
			Help: "Index of the task being trained",
		}),
		epochs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vilco_epochs_total",
			Help: "Completed training epochs by task",
		}, []string{"task"}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: "vilco_train_batches_total",
			Help: "Training batches processed on this rank",
		}),
		skippedSteps: f.NewCounter(prometheus.CounterOpts{
			Name: "vilco_grad_skipped_steps_total",
			Help: "Optimizer steps skipped because of gradient overflow",
		}),
		loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_train_loss",
			Help: "Mean task loss of the last epoch",
		}, []string{"task"}),
		penalty: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_train_penalty",
			Help: "Mean regularization penalty of the last epoch",
		}, []string{"task"}),
		learningRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "vilco_learning_rate",
			Help: "Current learning rate",
		}),
		epochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vilco_epoch_duration_seconds",
			Help:    "Wall time of one training epoch",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		valIoU: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_val_iou",
			Help: "Latest mean validation IoU over seen tasks",
		}, []string{"task"}),
		valProb: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_val_prob_accuracy",
			Help: "Latest presence accuracy over seen tasks",
		}, []string{"task"}),
		finalIoU: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_final_iou",
			Help: "Final validation IoU after each task",
		}, []string{"task"}),
		finalProb: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_final_prob_accuracy",
			Help: "Final presence accuracy after each task",
		}, []string{"task"}),
		bwf: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vilco_backward_transfer",
			Help: "Backward-transfer factor after each task",
		}, []string{"task"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vilco_checkpoint_writes_total",
			Help: "Checkpoint writes by kind",
		}, []string{"kind"}),
		replaySamples: f.NewGauge(prometheus.GaugeOpts{
			Name: "vilco_replay_samples",
			Help: "Exemplars held in replay memory",
		}),
	}
}

func label(task int) string {
	return strconv.Itoa(task)
}

// SetTask records the task being trained.
func (m *Metrics) SetTask(task int) {
	m.currentTask.Set(float64(task))
}

// ObserveEpoch records the outcome of one epoch.
func (m *Metrics) ObserveEpoch(task int, meanLoss, meanPenalty, lr float64, batches, skipped int, took time.Duration) {
	m.epochs.WithLabelValues(label(task)).Inc()
	m.batches.Add(float64(batches))
	m.skippedSteps.Add(float64(skipped))
	m.loss.WithLabelValues(label(task)).Set(meanLoss)
	m.penalty.WithLabelValues(label(task)).Set(meanPenalty)
	m.learningRate.Set(lr)
	m.epochDuration.Observe(took.Seconds())
}

// ObserveValidation records an in-task validation.
func (m *Metrics) ObserveValidation(task int, iou, prob float64) {
	m.valIoU.WithLabelValues(label(task)).Set(iou)
	m.valProb.WithLabelValues(label(task)).Set(prob)
}

// ObserveFinal records the final validation of a task. bwf is nil for the
// first task.
func (m *Metrics) ObserveFinal(task int, iou, prob float64, bwf *float64) {
	m.finalIoU.WithLabelValues(label(task)).Set(iou)
	m.finalProb.WithLabelValues(label(task)).Set(prob)
	if bwf != nil {
		m.bwf.WithLabelValues(label(task)).Set(*bwf)
	}
}

// Checkpoint counts a checkpoint write of the given kind.
func (m *Metrics) Checkpoint(kind string) {
	m.checkpoints.WithLabelValues(kind).Inc()
}

// SetReplaySamples records the replay memory size.
func (m *Metrics) SetReplaySamples(n int) {
	m.replaySamples.Set(float64(n))
}

// Handler returns the scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
