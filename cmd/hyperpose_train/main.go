// hyperpose_train runs pose-estimation training over a directory of
// annotated samples, single-process or as several in-process workers.
//
// Usage:
//
//	hyperpose_train -config train.yaml -dataset ./data [-workers 4]
package main

import (
	"flag"
	"sync"

	"github.com/Arxtage/hyperpose/distributed"
	"github.com/Arxtage/hyperpose/models"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/train"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig  = flag.String("config", "", "YAML configuration file. Defaults apply if empty.")
	flagDataset = flag.String("dataset", "data", "Directory with training images and annotation records.")
	flagWorkers = flag.Int("workers", 1, "Number of in-process training workers.")

	flagParts      = flag.Int("parts", 19, "Number of body parts in the annotation topology.")
	flagInputSize  = flag.Int("input_size", 368, "Square input resolution fed to the model.")
	flagOutputSize = flag.Int("output_size", 46, "Square resolution of heatmap/PAF targets.")
	flagAugment    = flag.Bool("augment", true, "Enable geometric augmentation.")
	flagProgress   = flag.Bool("progress", true, "Show a terminal progress bar.")
)

// cocoLimbs is the default limb topology for 19-part annotations.
var cocoLimbs = [][2]int{
	{1, 2}, {1, 5}, {2, 3}, {3, 4}, {5, 6}, {6, 7}, {1, 8}, {8, 9},
	{9, 10}, {1, 11}, {11, 12}, {12, 13}, {1, 0}, {0, 14}, {14, 15},
	{0, 16}, {16, 17}, {2, 16}, {5, 17},
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := train.DefaultConfig()
	if *flagConfig != "" {
		cfg = must.M1(train.LoadConfig(*flagConfig))
	}

	dataset := must.M1(pose.OpenFileDataset(*flagDataset))
	klog.Infof("dataset %q: %d training samples", *flagDataset, dataset.TrainingSize())

	in, out := *flagInputSize, *flagOutputSize
	limbs := cocoLimbs
	if *flagParts != 19 {
		limbs = nil
	}
	preprocessor := pose.NewStandardPreprocessor(*flagParts, limbs, in, in, out, out)

	session := train.Session{
		Config:       cfg,
		Dataset:      dataset,
		Preprocessor: preprocessor,
		Progress:     *flagProgress,
	}
	if *flagAugment {
		session.Augmentor = pose.NewAffineAugmentor(in, in).
			WithAngleRange(-30, 30).
			WithZoomRange(0.5, 0.8)
	}

	newModel := func() pose.Model {
		return models.NewLinear(*flagParts, len(limbs), in, in, out, out)
	}
	var newDiscriminator func() pose.Discriminator
	if cfg.DomainAdaptationEnabled {
		newDiscriminator = func() pose.Discriminator {
			return models.NewLogisticDiscriminator()
		}
	}

	if *flagWorkers <= 1 {
		session.Model = newModel()
		if newDiscriminator != nil {
			session.Discriminator = newDiscriminator()
		}
		if err := train.SingleTrain(session); err != nil {
			klog.Exitf("training failed: %+v", err)
		}
		return
	}

	if err := trainWorkers(session, *flagWorkers, newModel, newDiscriminator); err != nil {
		klog.Exitf("training failed: %+v", err)
	}
}

// trainWorkers runs n cooperating workers in this process, each training its
// own copy of the model over a shared collective group. Only rank 0 reports
// progress, saves checkpoints and renders visualizations.
func trainWorkers(base train.Session, n int, newModel func() pose.Model, newDiscriminator func() pose.Discriminator) error {
	group := distributed.NewGroup(n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for rank := 0; rank < n; rank++ {
		collective, err := group.Join(rank)
		if err != nil {
			return err
		}
		worker := base
		worker.Model = newModel()
		if newDiscriminator != nil {
			worker.Discriminator = newDiscriminator()
		}
		worker.Progress = base.Progress && rank == 0
		wg.Add(1)
		go func(rank int, worker train.Session, collective distributed.Collective) {
			defer wg.Done()
			errs[rank] = train.ParallelTrain(worker, collective)
		}(rank, worker, collective)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "worker %d", rank)
		}
	}
	return nil
}
