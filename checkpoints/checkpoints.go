// Package checkpoints implements saving and restoring of training state.
//
// A Handler manages a directory holding a bounded history of checkpoints
// (step counter, learning rate and the named state tensors handed to Save)
// plus separately named weight artifacts ("model", pretrained backbones,
// the adaptation discriminator). Every write goes to temporary files that
// are atomically renamed into place, so a crash mid-save never leaves a
// checkpoint that a restore could observe half-written.
//
// The Handler is created by calling Build, followed by the options setting
// and finally calling Config.Done:
//
//	handler, err := checkpoints.Build(checkpointDir).Keep(3).Done()
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Arxtage/hyperpose/internal/xslices"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// State is the scalar training state stored in every checkpoint. It is the
// unit of resumability: GlobalStep is the sole source of truth for how much
// training has occurred, and LearningRate is persisted redundantly so a
// resumed process can report it before recomputing the schedule.
type State struct {
	GlobalStep   int64   `json:"global_step"`
	LearningRate float64 `json:"learning_rate"`
}

// Config for the Handler to be created. Build() creates it, Done() turns it
// into a Handler.
type Config struct {
	dir  string
	keep int
	err  error
}

// Build starts the configuration of a Handler for the given directory,
// creating the directory if needed.
func Build(dir string) *Config {
	c := &Config{dir: dir, keep: 3}
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.err = errors.Wrapf(err, "failed to stat checkpoint directory %q", dir)
		return c
	}
	if err == nil && !fi.IsDir() {
		c.err = errors.Errorf("checkpoint path %q exists but is not a directory", dir)
		return c
	}
	if err != nil {
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.err = errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
		}
	}
	return c
}

// Keep configures the number of checkpoints to retain; older ones are
// evicted after each save. If set to -1 nothing is ever evicted.
// The default is 3.
// It returns the config so calls can be cascaded.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates the Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	// Probe writability now: an unwritable checkpoint directory is fatal at
	// startup, not at the first save hundreds of steps in.
	probe := filepath.Join(c.dir, ".probe")
	if err := os.WriteFile(probe, nil, 0660); err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory %q is not writable", c.dir)
	}
	_ = os.Remove(probe)

	h := &Handler{dir: c.dir, keep: c.keep, runID: uuid.NewString()}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.count = maxCheckpointCount(list) + 1
	return h, nil
}

// Handler saves and restores checkpoints and weight artifacts under one
// directory. See the package documentation.
type Handler struct {
	dir   string
	keep  int
	runID string
	count int
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.dir)
}

// Dir returns the directory the Handler is configured to.
func (h *Handler) Dir() string { return h.dir }

const (
	baseNamePrefix = "checkpoint-"
	jsonSuffix     = ".json"
	binSuffix      = ".bin"
	tmpSuffix      = ".tmp"
)

// metadata is the JSON half of a checkpoint or artifact.
type metadata struct {
	RunID        string    `json:"run_id"`
	SavedAt      time.Time `json:"saved_at"`
	GlobalStep   int64     `json:"global_step"`
	LearningRate float64   `json:"learning_rate"`
	Variables    []varInfo `json:"variables"`
}

// varInfo locates one named tensor inside the binary blob.
type varInfo struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	Pos        int    `json:"pos"`
	Length     int    `json:"length"`
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// ListCheckpoints returns the base names of the checkpoints in the
// directory, oldest first.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed listing checkpoints", h)
	}
	var list []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		list = append(list, name[:len(name)-len(jsonSuffix)])
	}
	sort.Strings(list)
	return list, nil
}

func maxCheckpointCount(list []string) int {
	maxID := -1
	for _, name := range list {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

func (h *Handler) newBaseName(globalStep int64) string {
	return fmt.Sprintf("%sn%07d-step-%08d", baseNamePrefix, h.count, globalStep)
}

// Save writes a new checkpoint with the given state and named tensors, then
// evicts checkpoints beyond the retention limit. The checkpoint only
// becomes visible to restores once fully written.
func (h *Handler) Save(state State, vars []*pose.Parameter) error {
	baseName := h.newBaseName(state.GlobalStep)
	h.count++
	size, err := h.writeTensorFiles(baseName, state, vars)
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s saved checkpoint %s (%s)", h, baseName, humanize.Bytes(uint64(size)))
	return h.evict()
}

// RestoreLatest loads the most recent checkpoint into the given named
// tensors and returns its state.
//
// It returns found=false with a nil error when no checkpoint exists, and
// found=false with an error when the latest checkpoint cannot be read --
// in both cases the caller is expected to fall back to a fresh State, the
// condition is recoverable by design.
func (h *Handler) RestoreLatest(vars []*pose.Parameter) (state State, found bool, err error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return State{}, false, err
	}
	if len(list) == 0 {
		return State{}, false, nil
	}
	baseName := xslices.Last(list)
	meta, values, err := h.readTensorFiles(baseName)
	if err != nil {
		return State{}, false, err
	}
	if err = assignVariables(values, vars, false); err != nil {
		return State{}, false, errors.WithMessagef(err, "restoring checkpoint %s", baseName)
	}
	klog.Infof("%s restored checkpoint %s (step=%d, lr=%g)", h, baseName, meta.GlobalStep, meta.LearningRate)
	return State{GlobalStep: meta.GlobalStep, LearningRate: meta.LearningRate}, true, nil
}

// SaveArtifact atomically writes a named weight artifact, e.g. "model" or
// "discriminator". The newest artifact replaces the previous one.
func (h *Handler) SaveArtifact(name string, params []*pose.Parameter) error {
	baseName := "newest_" + name
	size, err := h.writeTensorFiles(baseName, State{}, params)
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s saved artifact %s (%s)", h, baseName, humanize.Bytes(uint64(size)))
	return nil
}

// LoadArtifact loads a named weight artifact into params, matching tensors
// by name. A missing artifact returns found=false with a nil error: the
// caller falls back to the initialized weights. If skipMissing is true,
// params without a stored value are left untouched (the pretrained-backbone
// path); otherwise they are an error.
func (h *Handler) LoadArtifact(name string, params []*pose.Parameter, skipMissing bool) (found bool, err error) {
	return h.LoadArtifactFrom(h.dir, name, params, skipMissing)
}

// LoadArtifactFrom is LoadArtifact reading from an arbitrary directory,
// used for pretrained weights living outside the checkpoint directory.
func (h *Handler) LoadArtifactFrom(dir, name string, params []*pose.Parameter, skipMissing bool) (found bool, err error) {
	baseName := "newest_" + name
	if _, err = os.Stat(filepath.Join(dir, baseName+jsonSuffix)); os.IsNotExist(err) {
		return false, nil
	}
	_, values, err := readTensorFilesIn(dir, baseName)
	if err != nil {
		return false, err
	}
	if err = assignVariables(values, params, skipMissing); err != nil {
		return false, errors.WithMessagef(err, "loading artifact %s from %q", baseName, dir)
	}
	return true, nil
}

// assignVariables copies loaded tensors into the given parameters, matching
// by name. Loaded values with no matching parameter are ignored.
func assignVariables(values map[string]*tensors.Tensor, params []*pose.Parameter, skipMissing bool) error {
	for _, param := range params {
		value, ok := values[param.Name]
		if !ok {
			if skipMissing {
				continue
			}
			return errors.Errorf("no stored value for %q", param.Name)
		}
		if !value.SameShape(param.Value) {
			return errors.Errorf("stored value for %q has shape %v, want %v",
				param.Name, value.Dims(), param.Value.Dims())
		}
		param.Value.CopyFrom(value)
	}
	return nil
}

// writeTensorFiles writes the binary blob and then the JSON metadata, both
// through temporary files renamed into place. The metadata rename is last:
// its presence registers the checkpoint.
func (h *Handler) writeTensorFiles(baseName string, state State, vars []*pose.Parameter) (size int, err error) {
	binPath := filepath.Join(h.dir, baseName+binSuffix)
	jsonPath := filepath.Join(h.dir, baseName+jsonSuffix)
	meta := metadata{
		RunID:        h.runID,
		SavedAt:      time.Now().UTC(),
		GlobalStep:   state.GlobalStep,
		LearningRate: state.LearningRate,
	}

	binFile, err := os.Create(binPath + tmpSuffix)
	if err != nil {
		return 0, errors.Wrapf(err, "%s failed to create %s", h, binPath+tmpSuffix)
	}
	pos := 0
	for _, v := range vars {
		if err = binary.Write(binFile, binary.LittleEndian, v.Value.Data()); err != nil {
			_ = binFile.Close()
			return 0, errors.Wrapf(err, "%s failed to write tensor %q", h, v.Name)
		}
		length := 4 * v.Value.Size()
		meta.Variables = append(meta.Variables, varInfo{
			Name:       v.Name,
			Dimensions: v.Value.Dims(),
			Pos:        pos,
			Length:     length,
		})
		pos += length
	}
	if err = binFile.Close(); err != nil {
		return 0, errors.Wrapf(err, "%s failed to close %s", h, binPath+tmpSuffix)
	}

	encoded, err := json.MarshalIndent(&meta, "", "\t")
	if err != nil {
		return 0, errors.Wrapf(err, "%s failed to encode metadata for %s", h, baseName)
	}
	if err = os.WriteFile(jsonPath+tmpSuffix, encoded, 0660); err != nil {
		return 0, errors.Wrapf(err, "%s failed to write %s", h, jsonPath+tmpSuffix)
	}

	if err = os.Rename(binPath+tmpSuffix, binPath); err != nil {
		return 0, errors.Wrapf(err, "%s failed to commit %s", h, binPath)
	}
	if err = os.Rename(jsonPath+tmpSuffix, jsonPath); err != nil {
		return 0, errors.Wrapf(err, "%s failed to commit %s", h, jsonPath)
	}
	return pos + len(encoded), nil
}

func (h *Handler) readTensorFiles(baseName string) (*metadata, map[string]*tensors.Tensor, error) {
	return readTensorFilesIn(h.dir, baseName)
}

func readTensorFilesIn(dir, baseName string) (*metadata, map[string]*tensors.Tensor, error) {
	jsonPath := filepath.Join(dir, baseName+jsonSuffix)
	contents, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read metadata %q", jsonPath)
	}
	var meta metadata
	if err = json.Unmarshal(contents, &meta); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse metadata %q", jsonPath)
	}

	binPath := filepath.Join(dir, baseName+binSuffix)
	binFile, err := os.Open(binPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open data file %q", binPath)
	}
	defer func() { _ = binFile.Close() }()

	values := make(map[string]*tensors.Tensor, len(meta.Variables))
	for _, info := range meta.Variables {
		t := tensors.New(info.Dimensions...)
		if 4*t.Size() != info.Length {
			return nil, nil, errors.Errorf("tensor %q in %q has inconsistent metadata", info.Name, jsonPath)
		}
		if _, err = binFile.Seek(int64(info.Pos), 0); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to seek tensor %q in %q", info.Name, binPath)
		}
		if err = binary.Read(binFile, binary.LittleEndian, t.Data()); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read tensor %q from %q", info.Name, binPath)
		}
		values[info.Name] = t
	}
	return &meta, values, nil
}

// evict removes checkpoints beyond the retention limit, oldest first.
func (h *Handler) evict() error {
	if h.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.keep] {
		for _, suffix := range []string{binSuffix, jsonSuffix} {
			path := filepath.Join(h.dir, baseName+suffix)
			if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove old checkpoint file %q", h, path)
			}
		}
	}
	return nil
}
