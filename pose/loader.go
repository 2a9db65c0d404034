package pose

import (
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Arxtage/hyperpose/tensors"
	"github.com/pkg/errors"
)

// record is the JSON sidecar stored next to each training image.
type record struct {
	Keypoints [][]recordKeypoint `json:"keypoints"`
	Labeled   bool               `json:"labeled"`
	Mask      *MaskSpec          `json:"mask,omitempty"`
}

type recordKeypoint struct {
	X       float32 `json:"x"`
	Y       float32 `json:"y"`
	Visible bool    `json:"visible"`
}

// FileDataset reads training samples from a directory: one image file
// (.jpg/.jpeg/.png) plus one matching .json annotation record per sample.
type FileDataset struct {
	dir   string
	stems []string
}

// OpenFileDataset scans dir for image+record pairs. Images without a record
// are treated as unlabeled-domain samples with no annotations.
func OpenFileDataset(dir string) (*FileDataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset directory %q", dir)
	}
	ds := &FileDataset{dir: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		ds.stems = append(ds.stems, name)
	}
	sort.Strings(ds.stems)
	if len(ds.stems) == 0 {
		return nil, errors.Errorf("dataset directory %q contains no images", dir)
	}
	return ds, nil
}

// TrainingSize implements Dataset.
func (ds *FileDataset) TrainingSize() int { return len(ds.stems) }

// TrainingSamples implements Dataset.
func (ds *FileDataset) TrainingSamples() (SampleSource, error) {
	return &fileSource{ds: ds}, nil
}

type fileSource struct {
	ds   *FileDataset
	next int
}

// Next implements SampleSource.
func (s *fileSource) Next() (*Sample, error) {
	if s.next >= len(s.ds.stems) {
		return nil, io.EOF
	}
	name := s.ds.stems[s.next]
	s.next++
	return loadSample(s.ds.dir, name)
}

// Reset implements SampleSource.
func (s *fileSource) Reset() error {
	s.next = 0
	return nil
}

func loadSample(dir, name string) (*Sample, error) {
	imgPath := filepath.Join(dir, name)
	f, err := os.Open(imgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imgPath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imgPath)
	}
	sample := &Sample{Image: tensors.FromImage(img)}

	recPath := strings.TrimSuffix(imgPath, filepath.Ext(imgPath)) + ".json"
	contents, err := os.ReadFile(recPath)
	if os.IsNotExist(err) {
		// No record: an unlabeled-domain sample.
		return sample, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read annotation record %q", recPath)
	}
	var rec record
	if err = json.Unmarshal(contents, &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse annotation record %q", recPath)
	}
	sample.Labeled = rec.Labeled
	sample.Mask = rec.Mask
	sample.People = make([]Person, len(rec.Keypoints))
	for pp, kpts := range rec.Keypoints {
		person := make(Person, len(kpts))
		for kk, kpt := range kpts {
			person[kk] = Keypoint{X: kpt.X, Y: kpt.Y, Visible: kpt.Visible}
		}
		sample.People[pp] = person
	}
	return sample, nil
}
