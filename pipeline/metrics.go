package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcam_pipeline_frames_processed_total",
		Help: "Frames read and processed, by camera",
	}, []string{"camera"})
	framesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcam_pipeline_frames_skipped_total",
		Help: "Frames skipped because they could not be decoded, by camera",
	}, []string{"camera"})
	playersDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcam_pipeline_players_detected_total",
		Help: "Player regions found by the extractor, by camera",
	}, []string{"camera"})
	extractFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcam_pipeline_extract_failures_total",
		Help: "Frames on which player extraction failed, by camera",
	}, []string{"camera"})
	featureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamcam_pipeline_feature_failures_total",
		Help: "Players dropped because no feature vector could be computed, by camera",
	}, []string{"camera"})
	bufferedFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teamcam_pipeline_buffered_frames",
		Help: "Frames waiting in worker output buffers",
	}, []string{"worker"})
)
