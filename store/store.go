package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"teamcam/video/frame"
)

// Run is one pass of the pipeline over the match.
type Run struct {
	ID string `gorm:"primaryKey;size:36"`

	// Mode is "train" or "classify".
	Mode    string `gorm:"size:16"`
	Cameras int
	Start   int
	Step    int
	End     int

	StartedAt  time.Time
	FinishedAt *time.Time

	Frames  int
	Players int
	Labeled int
	Error   string
}

func NewRun(mode string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

// Assignment records the team of one detected player.
type Assignment struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"size:36;index:idx_run_frame"`
	Camera     int    `gorm:"index:idx_run_frame"`
	FrameIndex int    `gorm:"index:idx_run_frame"`

	X, Y, Width, Height int

	Team int
}

// Assignments returns the labeled players of f.
func Assignments(runID string, f *frame.Frame) []*Assignment {
	var as []*Assignment
	for _, p := range f.Labeled() {
		as = append(as, &Assignment{
			RunID:      runID,
			Camera:     p.Camera,
			FrameIndex: p.FrameIndex,
			X:          p.Bounds.Min.X,
			Y:          p.Bounds.Min.Y,
			Width:      p.Bounds.Dx(),
			Height:     p.Bounds.Dy(),
			Team:       p.Team,
		})
	}
	return as
}

// DB persists runs and team assignments in MySQL.
type DB struct {
	db *gorm.DB
}

func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.AutoMigrate(&Run{}, &Assignment{}, &VAPIDKey{}, &PushSubscription{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	log.Infof("Database opened")
	return &DB{db: db}, nil
}

func (d *DB) CreateRun(r *Run) error {
	return d.db.Create(r).Error
}

// FinishRun stamps r as finished and saves its totals.
func (d *DB) FinishRun(r *Run) error {
	now := time.Now()
	r.FinishedAt = &now
	return d.db.Save(r).Error
}

func (d *DB) WriteAssignments(as []*Assignment) error {
	return d.db.CreateInBatches(as, 500).Error
}

// Runs returns the most recent runs, newest first.
func (d *DB) Runs(limit int) ([]*Run, error) {
	var runs []*Run
	err := d.db.Order("started_at desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func (d *DB) Run(id string) (*Run, error) {
	r := &Run{}
	if err := d.db.Where("id = ?", id).First(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// RunAssignments returns the assignments of a run for one camera, ordered by
// frame. A negative camera selects all cameras.
func (d *DB) RunAssignments(runID string, camera int) ([]*Assignment, error) {
	q := d.db.Where("run_id = ?", runID)
	if camera >= 0 {
		q = q.Where("camera = ?", camera)
	}
	var as []*Assignment
	err := q.Order("camera, frame_index, id").Find(&as).Error
	return as, err
}
