package main

import (
	"io"
	"testing"

	"github.com/Arxtage/hyperpose/checkpoints"
	"github.com/Arxtage/hyperpose/models"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/Arxtage/hyperpose/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	samples []*pose.Sample
	next    int
}

func (s *sliceSource) Next() (*pose.Sample, error) {
	if s.next >= len(s.samples) {
		return nil, io.EOF
	}
	sample := s.samples[s.next]
	s.next++
	return sample, nil
}

func (s *sliceSource) Reset() error {
	s.next = 0
	return nil
}

type sliceDataset struct {
	samples []*pose.Sample
}

func (d *sliceDataset) TrainingSamples() (pose.SampleSource, error) {
	return &sliceSource{samples: d.samples}, nil
}

func (d *sliceDataset) TrainingSize() int { return len(d.samples) }

func syntheticDataset(n int) pose.Dataset {
	samples := make([]*pose.Sample, n)
	for ii := range samples {
		image := tensors.New(16, 16, 3)
		image.Fill(float32(ii+1) / float32(n+1))
		samples[ii] = &pose.Sample{
			Image:   image,
			Labeled: true,
			People: []pose.Person{{
				{X: 4, Y: 4, Visible: true},
				{X: 10, Y: 10, Visible: true},
			}},
		}
	}
	return &sliceDataset{samples: samples}
}

func TestTrainWorkers(t *testing.T) {
	cfg := train.DefaultConfig()
	cfg.TotalStep = 6
	cfg.BatchSize = 2
	cfg.LRInit = 1e-2
	cfg.Optimizer = "sgd"
	cfg.LogInterval = 1000
	cfg.SaveInterval = 6
	cfg.CheckpointDir = t.TempDir()
	cfg.Jitter = false
	cfg.Parallelism = 1
	require.NoError(t, cfg.Validate())

	session := train.Session{
		Config:       cfg,
		Dataset:      syntheticDataset(8),
		Preprocessor: pose.NewStandardPreprocessor(2, [][2]int{{0, 1}}, 16, 16, 8, 8),
	}
	newModel := func() pose.Model { return models.NewLinear(2, 1, 16, 16, 8, 8) }
	require.NoError(t, trainWorkers(session, 2, newModel, nil))

	// Rank 0 checkpointed the cooperative run at the step budget.
	handler, err := checkpoints.Build(cfg.CheckpointDir).Done()
	require.NoError(t, err)
	state, found, err := handler.RestoreLatest(nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(6), state.GlobalStep)
}
