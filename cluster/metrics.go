package cluster

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamcam_cluster_pool_size",
		Help: "Feature vectors accumulated for training.",
	})
	trainings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamcam_cluster_trainings_total",
		Help: "Completed clustering runs.",
	})
	classified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcam_cluster_classified_total",
		Help: "Feature vectors classified, by team.",
	}, []string{"team"})
)

func teamLabel(team int) string {
	return strconv.Itoa(team)
}
