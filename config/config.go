package config

import (
	"github.com/pkg/errors"
)

// ErrInvalid is returned for a configuration that cannot drive a run.
var ErrInvalid = errors.New("invalid configuration")

type Clustering struct {
	K        int
	Dims     int
	MaxIter  int
	Epsilon  float64
	Attempts int
	Seed     int64
}

type Subtractor struct {
	History   int
	Threshold float64
	Shadows   bool
}

type Detector struct {
	Confidence  float64
	MinArea     float64
	MinCoverage float64
	// MinSaturation of torso pixels used for the hue histogram.
	MinSaturation float64
}

// Display settings are read on every frame and follow config file changes.
type Display struct {
	Labels    []string
	Thickness int
}

type Export struct {
	Enabled bool
	// FFmpeg binary. Empty searches $PATH.
	FFmpeg string
	FPS    int
	// Preset and CRF are passed to libx264.
	Preset string
	CRF    int
}

type Config struct {
	// VideoRoot holds one ace_<camera>.mp4 per camera.
	VideoRoot string
	Cameras   int
	Workers   int
	// ModelPath of a Caffe person detector. Empty uses foreground blobs.
	ModelPath string

	// Frame range of the classification pass. End < 0 reads to the end.
	Start int
	Step  int
	End   int
	// Order is "roundrobin" or "ascending".
	Order string
	// Buffer is the number of frames each worker may run ahead.
	Buffer int
	// MaxFrames caps the frames read per camera in each pass. Zero means no limit.
	MaxFrames int

	// Frame range of the training pass.
	TrainStart int
	TrainStep  int
	TrainEnd   int

	CentersPath string
	// OutputDir receives annotated frames. Empty disables saving.
	OutputDir string
	// Export also encodes one annotated mp4 per camera into OutputDir.
	Export Export

	Clustering Clustering
	Subtractor Subtractor
	Detector   Detector
	Display    Display

	// DatabaseDSN of a MySQL database for results and push subscriptions.
	// Empty disables persistence.
	DatabaseDSN    string
	Port           int
	PushSubscriber string
}

func Default() *Config {
	return &Config{
		VideoRoot: ".",
		Cameras:   1,
		Workers:   1,
		Start:     0,
		Step:      1,
		End:       -1,
		Order:     "roundrobin",
		Buffer:    4,

		TrainStart: 0,
		TrainStep:  25,
		TrainEnd:   -1,

		CentersPath: "centers.bin",
		Export: Export{
			FPS:    25,
			Preset: "superfast",
			CRF:    30,
		},

		Clustering: Clustering{
			K:        2,
			Dims:     180,
			MaxIter:  10,
			Epsilon:  1.0,
			Attempts: 3,
			Seed:     1,
		},
		Subtractor: Subtractor{
			History:   500,
			Threshold: 256,
		},
		Detector: Detector{
			Confidence:    0.5,
			MinArea:       400,
			MinCoverage:   0.1,
			MinSaturation: 40,
		},
		Display: Display{
			Thickness: 2,
		},
		Port: 8080,
	}
}

// Validate checks the settings that New would otherwise reject later, deep
// inside a run.
func (c *Config) Validate() error {
	switch {
	case c.VideoRoot == "":
		return errors.Wrap(ErrInvalid, "VideoRoot is required")
	case c.Cameras < 1:
		return errors.Wrapf(ErrInvalid, "Cameras must be at least 1, got %d", c.Cameras)
	case c.Workers < 1:
		return errors.Wrapf(ErrInvalid, "Workers must be at least 1, got %d", c.Workers)
	case c.Step < 1 || c.TrainStep < 1:
		return errors.Wrapf(ErrInvalid, "Step and TrainStep must be at least 1, got %d and %d", c.Step, c.TrainStep)
	case c.Start < 0 || c.TrainStart < 0:
		return errors.Wrapf(ErrInvalid, "Start and TrainStart must not be negative, got %d and %d", c.Start, c.TrainStart)
	case c.CentersPath == "":
		return errors.Wrap(ErrInvalid, "CentersPath is required")
	case c.Clustering.K < 1:
		return errors.Wrapf(ErrInvalid, "Clustering.K must be at least 1, got %d", c.Clustering.K)
	case c.Clustering.Dims < 1:
		return errors.Wrapf(ErrInvalid, "Clustering.Dims must be at least 1, got %d", c.Clustering.Dims)
	case c.Export.Enabled && c.OutputDir == "":
		return errors.Wrap(ErrInvalid, "Export requires OutputDir")
	case c.Export.Enabled && c.Export.FPS < 1:
		return errors.Wrapf(ErrInvalid, "Export.FPS must be at least 1, got %d", c.Export.FPS)
	case c.Port < 0:
		return errors.Wrapf(ErrInvalid, "Port must not be negative, got %d", c.Port)
	}
	switch c.Order {
	case "", "roundrobin", "round-robin", "ascending":
	default:
		return errors.Wrapf(ErrInvalid, "unknown Order %q", c.Order)
	}
	return nil
}
