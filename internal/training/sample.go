package training

import (
	"context"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"cravewatch/internal/apperr"
	"cravewatch/internal/model"
	"cravewatch/internal/normalize"
	"cravewatch/internal/storage"
)

const (
	SampleWindows       = 50
	SampleReadings      = 30
	sampleWindowLength  = 5 * time.Minute
	sampleHighUrgeShare = 0.3
	sampleNoiseShare    = 0.15
	SampleLabelModelID  = model.LabelModelID
)

// urgeProfile describes heart rate and motion intensity for one class.
type urgeProfile struct {
	hrBase      distuv.Uniform
	hrSigma     float64
	accel, gyro distuv.Normal
}

// SeedResult counts what SeedSampleData wrote.
type SeedResult struct {
	Windows  int `json:"windows"`
	Readings int `json:"readings"`
	HighUrge int `json:"high_urge"`
}

// SeedSampleData writes labelled demonstration windows for consumerID ending
// at now: about 30% show a high-urge pattern (higher heart rate, more motion),
// and 15% of readings get extra noise so the classes overlap.
func SeedSampleData(ctx context.Context, store storage.Store, consumerID int64, now time.Time, seed uint64) (SeedResult, error) {
	var res SeedResult
	if _, err := store.GetConsumer(ctx, consumerID); err != nil {
		return res, apperr.Wrapf(err, "seed sample data for consumer %d", consumerID)
	}
	src := rand.New(rand.NewPCG(seed, 0x5eed))
	high := urgeProfile{
		hrBase:  distuv.Uniform{Min: 85, Max: 105, Src: src},
		hrSigma: 12,
		accel:   distuv.Normal{Mu: 1.3, Sigma: 0.6, Src: src},
		gyro:    distuv.Normal{Mu: 0.7, Sigma: 0.35, Src: src},
	}
	calm := urgeProfile{
		hrBase:  distuv.Uniform{Min: 60, Max: 80, Src: src},
		hrSigma: 8,
		accel:   distuv.Normal{Mu: 0.6, Sigma: 0.3, Src: src},
		gyro:    distuv.Normal{Mu: 0.25, Sigma: 0.15, Src: src},
	}
	unit := distuv.UnitNormal
	unit.Src = src
	jitter := func(width float64) float64 { return (src.Float64()*2 - 1) * width }

	first := storage.WindowTime(now).Add(-SampleWindows * sampleWindowLength)
	for i := 0; i < SampleWindows; i++ {
		start := first.Add(time.Duration(i) * sampleWindowLength)
		win, err := store.CreateWindow(ctx, model.Window{ConsumerID: consumerID, WindowStart: start, WindowEnd: start.Add(sampleWindowLength)})
		if err != nil {
			return res, err
		}
		isHigh := src.Float64() > 1-sampleHighUrgeShare
		p := calm
		if isHigh {
			p = high
			res.HighUrge++
		}
		readings := make([]model.Reading, 0, SampleReadings)
		step := sampleWindowLength / SampleReadings
		for j := 0; j < SampleReadings; j++ {
			hr := distuv.Normal{Mu: p.hrBase.Rand(), Sigma: p.hrSigma, Src: src}.Rand()
			accel, gyro := p.accel.Rand(), p.gyro.Rand()
			if src.Float64() < sampleNoiseShare {
				hr += jitter(15)
				accel += jitter(0.4)
				gyro += jitter(0.2)
			}
			readings = append(readings, model.Reading{
				WindowID:  win.ID,
				HeartRate: normalize.ClampHeartRate(hr),
				AccelX:    clampAxis(accel*unit.Rand(), normalize.MaxAccel),
				AccelY:    clampAxis(accel*unit.Rand(), normalize.MaxAccel),
				AccelZ:    clampAxis(accel*unit.Rand(), normalize.MaxAccel),
				GyroX:     clampAxis(gyro*unit.Rand(), normalize.MaxGyro),
				GyroY:     clampAxis(gyro*unit.Rand(), normalize.MaxGyro),
				GyroZ:     clampAxis(gyro*unit.Rand(), normalize.MaxGyro),
				CreatedAt: start.Add(time.Duration(j) * step),
			})
		}
		if err := store.InsertReadings(ctx, readings); err != nil {
			return res, err
		}
		prob := distuv.Uniform{Min: 0.05, Max: 0.35, Src: src}.Rand()
		label := 0
		if isHigh {
			prob = distuv.Uniform{Min: 0.65, Max: 0.95, Src: src}.Rand()
			label = 1
		}
		if _, err := store.CreateAnalysis(ctx, model.Analysis{
			WindowID:    win.ID,
			Probability: prob,
			UrgeLabel:   label,
			ModelID:     SampleLabelModelID,
		}); err != nil {
			return res, err
		}
		res.Windows++
		res.Readings += len(readings)
	}
	return res, nil
}

func clampAxis(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
