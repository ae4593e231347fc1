package telemetry

import (
	"usb-media-scheduler/internal/models"
)

// Notifier translates worker job events into metrics. It satisfies the
// worker's Notifier interface.
type Notifier struct{}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) JobStarted(models.Job) {
	ActiveJobsGauge.Inc()
}

func (n *Notifier) JobSucceeded(models.Job) {
	ActiveJobsGauge.Dec()
	JobsSucceeded.Inc()
}

func (n *Notifier) JobRetried(models.Job, error) {
	ActiveJobsGauge.Dec()
	JobsRetried.Inc()
}

func (n *Notifier) JobFailed(models.Job, error) {
	ActiveJobsGauge.Dec()
	JobsFailed.Inc()
}
