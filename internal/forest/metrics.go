package forest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forest_tasks_finished_total",
		Help: "Forest tasks finished, by tree and final status.",
	}, []string{"tree", "status"})

	bytesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forest_input_bytes_total",
		Help: "Raw chunk bytes downloaded into task workspaces, by tree.",
	}, []string{"tree"})

	noDataTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forest_tasks_no_data_total",
		Help: "Tasks that found no chunked data for their window, by tree.",
	}, []string{"tree"})

	cleanupRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forest_workspace_cleanup_retries_total",
		Help: "Workspace deletion attempts that left the folder behind, by tree.",
	}, []string{"tree"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forest_task_duration_seconds",
		Help:    "Wall-clock duration of forest task runs, by tree.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"tree"})
)
