package cluster

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"math"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Centers are stored as K*Dims little-endian float64 values, row-major by center
// then dimension, with no header.
const recordSize = 8

// Serialize writes the trained centers to w.
func (c *Comparator) Serialize(w io.Writer) error {
	centers, err := c.Centers()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	var b [recordSize]byte
	for _, ctr := range centers {
		for _, x := range ctr {
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
			if _, err := bw.Write(b[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Deserialize loads centers from r and moves the comparator to the classifying
// phase. Any accumulated vectors are discarded.
func (c *Comparator) Deserialize(r io.Reader) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	centers, err := decodeCenters(data, c.opts.K, c.opts.Dims)
	if err != nil {
		return err
	}

	c.l.Lock()
	if _, ok := c.st.(*accumulating); !ok {
		c.l.Unlock()
		return errors.Wrap(ErrPhase, "centers already defined")
	}
	return c.enterClassifying(centers)
}

func decodeCenters(data []byte, k, dims int) ([]Vector, error) {
	if len(data)%recordSize != 0 {
		return nil, errors.Wrapf(ErrCorruptState, "%d bytes is not a whole number of records", len(data))
	}
	n := len(data) / recordSize
	if n%dims != 0 {
		return nil, errors.Wrapf(ErrCorruptState, "%d records is not divisible by dimensionality %d", n, dims)
	}
	if n/dims != k {
		return nil, errors.Wrapf(ErrCorruptState, "found %d centers, want %d", n/dims, k)
	}

	centers := make([]Vector, k)
	for i := range centers {
		centers[i] = make(Vector, dims)
		for d := range centers[i] {
			off := (i*dims + d) * recordSize
			centers[i][d] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		}
	}
	return centers, nil
}

// WriteFile serializes the centers to path, replacing it atomically.
func (c *Comparator) WriteFile(path string) error {
	tmp := path + ".temp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := c.Serialize(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Infof("Cluster centers written to %v", path)
	return nil
}

// ReadFile loads centers previously written by WriteFile.
func (c *Comparator) ReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := c.Deserialize(f); err != nil {
		return errors.Wrapf(err, "loading centers from %v", path)
	}
	log.Infof("Cluster centers loaded from %v", path)
	return nil
}
