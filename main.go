package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"teamcam/cluster"
	"teamcam/config"
	"teamcam/notify"
	"teamcam/pipeline"
	"teamcam/serve"
	"teamcam/store"
	"teamcam/video"
	"teamcam/video/capture"
	"teamcam/video/frame"
	"teamcam/video/process"
	"teamcam/video/sink"
)

var (
	configPath = flag.String("config", "", "Path to a JSON, YAML or TOML configuration file.")
	mode       = flag.String("mode", "auto", "train, classify, or auto to train only when the centers file is missing.")
	port       = flag.Int("port", 0, "Port to host web frontend. Overrides the configuration.")
	verbose    = flag.Bool("v", false, "Log every frame.")
	maxFrames  = flag.Int("max-frames", 0, "Read at most this many frames per camera in each pass. Overrides the configuration.")
	display    = flag.Bool("display", false, "Show annotated frames in a window per camera.")
	wait       = flag.Bool("wait", false, "Keep serving the web frontend after the run until interrupted.")
)

type app struct {
	cfg  *config.Config
	deps pipeline.Deps
	cmp  *cluster.Comparator

	db       *store.DB
	fs       *video.Filesystem
	meta     *serve.MetaServer
	updates  *serve.MetaUpdater
	notifier *notify.Notifier
	mjpeg    *sink.MJPEGStreamPool
}

func (a *app) coordinator(start, step, end int) (*pipeline.Coordinator, error) {
	order, err := pipeline.ParseOrder(a.cfg.Order)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Deps:      a.deps,
		Cameras:   a.cfg.Cameras,
		Workers:   a.cfg.Workers,
		ModelPath: a.cfg.ModelPath,
		Start:     start,
		Step:      step,
		End:       end,
		Order:     order,
		Buffer:    a.cfg.Buffer,
	})
}

// runPass drives one pass over the match and records it as a run. Frames are
// handed to out. With record set, team assignments are saved to the database.
func (a *app) runPass(ctx context.Context, name string, start, step, end int, out sink.Sink, record bool) (*store.Run, error) {
	end = pipeline.LimitEnd(start, step, end, a.cfg.MaxFrames)
	run := store.NewRun(name)
	run.Cameras, run.Start, run.Step, run.End = a.cfg.Cameras, start, step, end
	rlog := log.WithFields(log.Fields{"run": run.ID, "mode": name})
	if a.db != nil {
		if err := a.db.CreateRun(run); err != nil {
			rlog.Errorf("Failed to record run: %v", err)
		}
	}
	a.notifier.RunID = run.ID

	var rec *store.Recorder
	if record && a.db != nil {
		rec = store.NewRecorder(a.db, run.ID, 0)
		defer func() {
			if err := rec.Close(); err != nil {
				rlog.Errorf("Some assignments were not saved: %v", err)
			}
		}()
	}

	c, err := a.coordinator(start, step, end)
	if err != nil {
		return run, err
	}
	defer c.Close()
	a.meta.SetRun(run, c)
	a.updates.FilesystemUpdated()

	rlog.Infof("Starting %s pass over %d cameras, frames [%d, %d) step %d", name, a.cfg.Cameras, start, end, step)
	t := time.Now()
	err = pipeline.Drain(ctx, c, func(f *frame.Frame) error {
		out.Put(f)
		if rec != nil {
			rec.Put(f)
		}
		return nil
	})

	st := c.Stats()
	for _, frames := range st.Frames {
		run.Frames += frames
	}
	run.Players, run.Labeled = st.Players, st.Labeled
	if err != nil {
		run.Error = err.Error()
	}
	a.meta.SetRun(run, nil)
	if a.db != nil {
		if err := a.db.FinishRun(run); err != nil {
			rlog.Errorf("Failed to record run: %v", err)
		}
	}
	a.notifier.RunFinished(run)
	rlog.Infof("%s pass done in %v: %d frames (%d skipped), %d players, %d labeled",
		name, time.Since(t), run.Frames, st.Skipped, run.Players, run.Labeled)
	return run, err
}

// train accumulates the training range, clusters it and saves the centers.
func (a *app) train(ctx context.Context) error {
	if _, err := a.runPass(ctx, "train", a.cfg.TrainStart, a.cfg.TrainStep, a.cfg.TrainEnd, a.mjpeg, false); err != nil {
		return err
	}
	log.Infof("Training on %d feature vectors", a.cmp.PoolSize())
	if err := a.cmp.Train(); err != nil {
		return err
	}
	if err := a.cmp.WriteFile(a.cfg.CentersPath); err != nil {
		return err
	}
	log.Infof("Centers saved to %v", a.cfg.CentersPath)
	return nil
}

// classify labels the configured range with the trained centers.
func (a *app) classify(ctx context.Context) error {
	out := sink.Multi{a.mjpeg}
	if a.fs != nil {
		j := sink.NewJPEG(a.fs)
		j.OnWrite = func(*video.FrameRecord) { a.updates.FilesystemUpdated() }
		out = append(out, j)
		if a.cfg.Export.Enabled {
			out = append(out, sink.NewExport(a.fs, sink.FFmpegOptions{
				Binary: a.cfg.Export.FFmpeg,
				FPS:    a.cfg.Export.FPS,
				Preset: a.cfg.Export.Preset,
				CRF:    a.cfg.Export.CRF,
			}))
		}
	}
	if *display {
		out = append(out, sink.NewWindow())
	}
	defer out.Close()

	_, err := a.runPass(ctx, "classify", a.cfg.Start, a.cfg.Step, a.cfg.End, out, true)
	return err
}

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	start := time.Now()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.Load(ctx, *configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	c := *config.Get()
	cfg := &c
	if *maxFrames > 0 {
		cfg.MaxFrames = *maxFrames
	}
	if *port > 0 {
		cfg.Port = *port
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Run failed after %v: %v", time.Since(start), err)
	}
	log.Infof("Run complete in %v", time.Since(start))
}

func run(ctx context.Context, cfg *config.Config) error {
	cmp, err := cluster.New(cluster.Options{
		K:        cfg.Clustering.K,
		Dims:     cfg.Clustering.Dims,
		MaxIter:  cfg.Clustering.MaxIter,
		Epsilon:  cfg.Clustering.Epsilon,
		Attempts: cfg.Clustering.Attempts,
		Seed:     cfg.Clustering.Seed,
	})
	if err != nil {
		return err
	}

	ann := process.NewAnnotator(displayOf(cfg))
	config.OnChange(func(c *config.Config) {
		ann.SetDisplay(displayOf(c))
	})

	a := &app{
		cfg: cfg,
		cmp: cmp,
		deps: pipeline.Deps{
			VideoRoot: cfg.VideoRoot,
			Open: capture.Opener(capture.Options{
				Subtractor: capture.SubtractorOptions{
					History:   cfg.Subtractor.History,
					Threshold: cfg.Subtractor.Threshold,
					Shadows:   cfg.Subtractor.Shadows,
				},
				// An image and a mask for each frame a camera can have in flight:
				// the worker buffer, the coordinator head, the consumer and the
				// frame being read.
				PoolSize: 2 * (cfg.Buffer + 3),
			}),
			Players: process.Extractors(process.DetectorOptions{
				Confidence:  float32(cfg.Detector.Confidence),
				MinArea:     cfg.Detector.MinArea,
				MinCoverage: cfg.Detector.MinCoverage,
			}),
			Features:   process.HueHistogram{MinSaturation: cfg.Detector.MinSaturation},
			Annotator:  ann,
			Comparator: cmp,
		},
		meta:     &serve.MetaServer{Comparator: cmp},
		updates:  serve.NewMetaUpdater(),
		notifier: &notify.Notifier{},
	}
	defer a.updates.Close()
	a.notifier.Listeners = append(a.notifier.Listeners, a.updates)
	cmp.OnTrained(a.notifier.Trained)

	routes := &serve.Routes{
		Meta:    a.meta,
		Updates: a.updates,
		Centers: &serve.CentersServer{Comparator: cmp},
	}

	if cfg.OutputDir != "" {
		if a.fs, err = video.NewFilesystem(cfg.OutputDir); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
		a.meta.FS = a.fs
		routes.Frames = serve.NewFrameServer(a.fs)
		routes.Videos = serve.NewVideoServer(a.fs)
		routes.Delete = &serve.DeleteServer{FS: a.fs, Updated: a.updates.FilesystemUpdated}
	}

	if cfg.DatabaseDSN != "" {
		if a.db, err = store.Open(cfg.DatabaseDSN); err != nil {
			return err
		}
		routes.Runs = &serve.RunServer{Store: a.db}
		push, err := notify.NewWebPush(a.db, cfg.PushSubscriber)
		if err != nil {
			log.Errorf("Web push disabled: %v", err)
		} else {
			routes.Push = push
			a.notifier.Listeners = append(a.notifier.Listeners, push)
		}
	}
	defer a.notifier.Wait()

	mjpegServer := sink.NewMJPEGServer()
	a.mjpeg = mjpegServer.NewStreamPool()
	defer a.mjpeg.Close()
	routes.MJPEG = mjpegServer

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: routes.Handler(),
	}
	go func() {
		log.Infof("Hosting web frontend on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Web frontend stopped: %v", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if err := a.passes(ctx); err != nil {
		return err
	}

	if *wait {
		log.Infof("Serving results until interrupted")
		<-ctx.Done()
	}
	return nil
}

// passes runs the passes selected by -mode.
func (a *app) passes(ctx context.Context) error {
	switch *mode {
	case "train":
		return a.train(ctx)
	case "classify":
		if err := a.cmp.ReadFile(a.cfg.CentersPath); err != nil {
			return err
		}
	case "auto":
		if _, err := os.Stat(a.cfg.CentersPath); err == nil {
			if err := a.cmp.ReadFile(a.cfg.CentersPath); err != nil {
				return err
			}
		} else if err := a.train(ctx); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown mode %q", *mode)
	}
	return a.classify(ctx)
}

func displayOf(c *config.Config) process.Display {
	return process.Display{
		Labels:    c.Display.Labels,
		Thickness: c.Display.Thickness,
	}
}
