package video

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pillash/mp4util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	ExtFrame = ".jpg"
	ExtVideo = ".mp4"
	ExtTemp  = ".temp"
)

// FrameRecord is an annotated frame saved to disk.
type FrameRecord struct {
	Identifier string
	Camera     int
	Index      int

	Path    string
	Size    int64
	ModTime time.Time
}

// VideoRecord is an exported per-camera video.
type VideoRecord struct {
	Camera   int
	Path     string
	Size     int64
	Duration time.Duration
	ModTime  time.Time
}

func recordID(camera, index int) string {
	return fmt.Sprintf("%d-%d", camera, index)
}

type RecordsFilter struct {
	// Camera selects one camera. Negative selects all.
	Camera int
	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// Filesystem lays out saved frames as <base>/camera<C>/frame<N>.jpg and keeps
// an index of them.
type Filesystem struct {
	BasePath string

	records map[string]*FrameRecord
	l       sync.Mutex
}

func NewFilesystem(path string) (*Filesystem, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	f := &Filesystem{
		BasePath: path,
		records:  make(map[string]*FrameRecord),
	}
	if err := f.Refresh(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filesystem) CameraDir(camera int) string {
	return filepath.Join(f.BasePath, fmt.Sprintf("camera%d", camera))
}

// FramePath returns where frame index of camera is saved, creating the camera
// directory if needed.
func (f *Filesystem) FramePath(camera, index int) (string, error) {
	dir := f.CameraDir(camera)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("frame%d%s", index, ExtFrame)), nil
}

// VideoPath returns where the annotated video of camera is written.
func (f *Filesystem) VideoPath(camera int) string {
	return filepath.Join(f.BasePath, fmt.Sprintf("camera%d%s", camera, ExtVideo))
}

// WriteFrame saves data as frame index of camera and records it.
func (f *Filesystem) WriteFrame(camera, index int, data []byte) (*FrameRecord, error) {
	path, err := f.FramePath(camera, index)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+ExtTemp, data, 0644); err != nil {
		return nil, err
	}
	if err := os.Rename(path+ExtTemp, path); err != nil {
		return nil, err
	}
	r := &FrameRecord{
		Identifier: recordID(camera, index),
		Camera:     camera,
		Index:      index,
		Path:       path,
		Size:       int64(len(data)),
		ModTime:    time.Now(),
	}
	f.l.Lock()
	defer f.l.Unlock()
	f.records[r.Identifier] = r
	return r, nil
}

func parseFrameName(dir, name string) (camera, index int, ok bool) {
	if _, err := fmt.Sscanf(dir, "camera%d", &camera); err != nil {
		return 0, 0, false
	}
	if !strings.HasPrefix(name, "frame") || !strings.HasSuffix(name, ExtFrame) {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, ExtFrame), "frame%d", &index); err != nil {
		return 0, 0, false
	}
	return camera, index, true
}

// Refresh rebuilds the index from the files on disk.
func (f *Filesystem) Refresh() error {
	m := make(map[string]*FrameRecord)

	dirs, err := os.ReadDir(f.BasePath)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(f.BasePath, d.Name()))
		if err != nil {
			return err
		}
		for _, file := range files {
			camera, index, ok := parseFrameName(d.Name(), file.Name())
			if !ok {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			r := &FrameRecord{
				Identifier: recordID(camera, index),
				Camera:     camera,
				Index:      index,
				Path:       filepath.Join(f.BasePath, d.Name(), file.Name()),
				Size:       info.Size(),
				ModTime:    info.ModTime(),
			}
			m[r.Identifier] = r
		}
	}

	f.l.Lock()
	defer f.l.Unlock()
	f.records = m
	log.Debugf("Indexed %d saved frames under %v", len(m), f.BasePath)
	return nil
}

// GetRecords returns the saved frames in (camera, index) order.
func (f *Filesystem) GetRecords(filter *RecordsFilter) []*FrameRecord {
	f.l.Lock()
	var records []*FrameRecord
	for _, r := range f.records {
		if filter != nil && filter.Camera >= 0 && r.Camera != filter.Camera {
			continue
		}
		records = append(records, r)
	}
	f.l.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Camera != records[j].Camera {
			return records[i].Camera < records[j].Camera
		}
		return records[i].Index < records[j].Index
	})
	if filter != nil && filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records
}

func (f *Filesystem) GetRecordByID(id string) *FrameRecord {
	f.l.Lock()
	defer f.l.Unlock()
	return f.records[id]
}

// Delete removes a saved frame from disk and from the index.
func (f *Filesystem) Delete(id string) error {
	f.l.Lock()
	r, ok := f.records[id]
	if ok {
		delete(f.records, id)
	}
	f.l.Unlock()
	if !ok {
		return errors.Errorf("no record %v", id)
	}
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Infof("Deleted %v", r.Path)
	return nil
}

// Size returns the total size of saved frames in bytes.
func (f *Filesystem) Size() int64 {
	f.l.Lock()
	defer f.l.Unlock()
	var sz int64
	for _, r := range f.records {
		sz += r.Size
	}
	return sz
}

// Video describes the exported video of camera.
func (f *Filesystem) Video(camera int) (*VideoRecord, error) {
	path := f.VideoPath(camera)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	v := &VideoRecord{
		Camera:  camera,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	// Unfinished or foreign files have no readable duration.
	if secs, err := mp4util.Duration(path); err == nil {
		v.Duration = time.Duration(secs) * time.Second
	}
	return v, nil
}

// Videos lists the exported videos in camera order.
func (f *Filesystem) Videos() []*VideoRecord {
	entries, err := os.ReadDir(f.BasePath)
	if err != nil {
		log.Errorf("Failed to list videos under %v: %v", f.BasePath, err)
		return nil
	}
	var videos []*VideoRecord
	for _, e := range entries {
		var camera int
		if e.IsDir() || !strings.HasSuffix(e.Name(), ExtVideo) {
			continue
		}
		if _, err := fmt.Sscanf(strings.TrimSuffix(e.Name(), ExtVideo), "camera%d", &camera); err != nil {
			continue
		}
		if v, err := f.Video(camera); err == nil {
			videos = append(videos, v)
		}
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].Camera < videos[j].Camera })
	return videos
}
