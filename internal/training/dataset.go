package training

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"cravewatch/internal/apperr"
	"cravewatch/internal/features"
	"cravewatch/internal/storage"
)

// Dataset is a feature matrix with binary labels, one row per window.
type Dataset struct {
	X         [][]float64
	Y         []int
	WindowIDs []int64
}

func (d Dataset) Len() int { return len(d.Y) }

// ClassCounts returns how many rows carry label 0 and 1.
func (d Dataset) ClassCounts() (neg, pos int) {
	for _, y := range d.Y {
		if y == 1 {
			pos++
		} else {
			neg++
		}
	}
	return neg, pos
}

func (d Dataset) subset(idx []int) Dataset {
	out := Dataset{
		X:         make([][]float64, len(idx)),
		Y:         make([]int, len(idx)),
		WindowIDs: make([]int64, len(idx)),
	}
	for i, j := range idx {
		out.X[i], out.Y[i], out.WindowIDs[i] = d.X[j], d.Y[j], d.WindowIDs[j]
	}
	return out
}

// BuildDataset extracts features for every window that has a labelled
// analysis.
func BuildDataset(ctx context.Context, store storage.Store) (Dataset, error) {
	labeled, err := store.LabeledWindows(ctx)
	if err != nil {
		return Dataset{}, apperr.Wrap(err, "load labelled windows")
	}
	var ds Dataset
	for _, lw := range labeled {
		vec := features.Extract(lw.Readings)
		ds.X = append(ds.X, vec.Slice())
		ds.Y = append(ds.Y, lw.UrgeLabel)
		ds.WindowIDs = append(ds.WindowIDs, lw.Window.ID)
	}
	if ds.Len() == 0 {
		return ds, apperr.New(apperr.CodeInvalidInput, "no labelled analyses to train on; seed sample data or label windows first")
	}
	return ds, nil
}

// Split holds out testSize of the rows. It stratifies by label when both
// classes have at least two rows.
func Split(ds Dataset, testSize float64, seed int64) (train, test Dataset, stratified bool, err error) {
	n := ds.Len()
	if n < 2 {
		return train, test, false, apperr.Newf(apperr.CodeInvalidInput, "need at least 2 samples to split, have %d", n)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	neg, pos := ds.ClassCounts()
	var trainIdx, testIdx []int
	if neg >= 2 && pos >= 2 {
		stratified = true
		byClass := map[int][]int{}
		for i, y := range ds.Y {
			byClass[y] = append(byClass[y], i)
		}
		for _, label := range []int{0, 1} {
			idx := byClass[label]
			rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
			k := holdout(len(idx), testSize)
			testIdx = append(testIdx, idx[:k]...)
			trainIdx = append(trainIdx, idx[k:]...)
		}
	} else {
		idx := rng.Perm(n)
		k := holdout(n, testSize)
		testIdx, trainIdx = idx[:k], idx[k:]
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return ds.subset(trainIdx), ds.subset(testIdx), stratified, nil
}

// holdout keeps at least one row on each side.
func holdout(n int, testSize float64) int {
	k := int(math.Ceil(testSize*float64(n) - 1e-9))
	if k < 1 {
		k = 1
	}
	if k > n-1 {
		k = n - 1
	}
	return k
}

// FitScaler standardises columns with the population standard deviation; a
// constant column gets scale 1.
func FitScaler(X [][]float64) (mean, scale []float64) {
	if len(X) == 0 {
		return nil, nil
	}
	d := len(X[0])
	mean, scale = make([]float64, d), make([]float64, d)
	col := make([]float64, len(X))
	for j := 0; j < d; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		mean[j], scale[j] = stat.PopMeanStdDev(col, nil)
		if scale[j] == 0 || math.IsNaN(scale[j]) {
			scale[j] = 1
		}
	}
	return mean, scale
}

func Transform(X [][]float64, mean, scale []float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		z := make([]float64, len(row))
		for j, v := range row {
			z[j] = (v - mean[j]) / scale[j]
		}
		out[i] = z
	}
	return out
}
