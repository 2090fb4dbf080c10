package config

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TEAMCAM_CLUSTERING_K.
const EnvPrefix = "TEAMCAM"

var (
	gLock     sync.RWMutex
	gConfig   *Config
	listeners []func(*Config)
)

// setDefaults registers every key with viper so environment overrides apply
// to keys missing from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("videoroot", d.VideoRoot)
	v.SetDefault("cameras", d.Cameras)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("modelpath", d.ModelPath)
	v.SetDefault("start", d.Start)
	v.SetDefault("step", d.Step)
	v.SetDefault("end", d.End)
	v.SetDefault("order", d.Order)
	v.SetDefault("buffer", d.Buffer)
	v.SetDefault("maxframes", d.MaxFrames)
	v.SetDefault("trainstart", d.TrainStart)
	v.SetDefault("trainstep", d.TrainStep)
	v.SetDefault("trainend", d.TrainEnd)
	v.SetDefault("centerspath", d.CentersPath)
	v.SetDefault("outputdir", d.OutputDir)

	v.SetDefault("export.enabled", d.Export.Enabled)
	v.SetDefault("export.ffmpeg", d.Export.FFmpeg)
	v.SetDefault("export.fps", d.Export.FPS)
	v.SetDefault("export.preset", d.Export.Preset)
	v.SetDefault("export.crf", d.Export.CRF)

	v.SetDefault("clustering.k", d.Clustering.K)
	v.SetDefault("clustering.dims", d.Clustering.Dims)
	v.SetDefault("clustering.maxiter", d.Clustering.MaxIter)
	v.SetDefault("clustering.epsilon", d.Clustering.Epsilon)
	v.SetDefault("clustering.attempts", d.Clustering.Attempts)
	v.SetDefault("clustering.seed", d.Clustering.Seed)

	v.SetDefault("subtractor.history", d.Subtractor.History)
	v.SetDefault("subtractor.threshold", d.Subtractor.Threshold)
	v.SetDefault("subtractor.shadows", d.Subtractor.Shadows)

	v.SetDefault("detector.confidence", d.Detector.Confidence)
	v.SetDefault("detector.minarea", d.Detector.MinArea)
	v.SetDefault("detector.mincoverage", d.Detector.MinCoverage)
	v.SetDefault("detector.minsaturation", d.Detector.MinSaturation)

	v.SetDefault("display.labels", d.Display.Labels)
	v.SetDefault("display.thickness", d.Display.Thickness)

	v.SetDefault("databasedsn", d.DatabaseDSN)
	v.SetDefault("port", d.Port)
	v.SetDefault("pushsubscriber", d.PushSubscriber)
}

// FromFile reads a JSON, YAML or TOML configuration file, chosen by extension.
// Keys missing from the file keep their defaults and TEAMCAM_ environment
// variables override both.
func FromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %v", path)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "decoding %v", path)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return &config, nil
}

func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// OnChange registers fn to run with every configuration reloaded after Load.
func OnChange(fn func(*Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	listeners = append(listeners, fn)
}

func set(c *Config) {
	gLock.Lock()
	gConfig = c
	ls := append([]func(*Config){}, listeners...)
	gLock.Unlock()
	for _, fn := range ls {
		fn(c)
	}
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watcher.Events:
	case err := <-watcher.Errors:
		return err
	}
	// Editors often write a file in several steps.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads path, installs it as the global configuration and reloads it
// whenever the file changes until ctx is done.
func Load(ctx context.Context, path string) error {
	config, err := FromFile(path)
	if err != nil {
		return err
	}
	gLock.Lock()
	gConfig = config
	gLock.Unlock()
	if path == "" {
		return nil
	}
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}

			config, err := FromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			set(config)
		}
	}()
	return nil
}
