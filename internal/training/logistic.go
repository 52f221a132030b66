package training

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"cravewatch/internal/apperr"
	"cravewatch/internal/predictor"
)

// Logistic is an L2-regularised binary logistic regression.
type Logistic struct {
	Coef      []float64
	Intercept float64
}

// FitLogistic minimises 0.5·‖w‖² + C·Σ sᵢ·logloss(xᵢ, yᵢ) with L-BFGS. The
// intercept is not penalised. With classWeight "balanced" each sample weight
// is n / (2·count(class)); otherwise every weight is 1.
func FitLogistic(X [][]float64, y []int, c float64, maxIter int, classWeight string) (Logistic, error) {
	n := len(X)
	if n == 0 || n != len(y) {
		return Logistic{}, apperr.New(apperr.CodeInvalidInput, "empty or mismatched training data")
	}
	d := len(X[0])
	neg, pos := 0, 0
	for _, v := range y {
		if v == 1 {
			pos++
		} else {
			neg++
		}
	}
	if neg == 0 || pos == 0 {
		return Logistic{}, apperr.New(apperr.CodeInvalidInput, "training data contains a single class")
	}
	weights := make([]float64, n)
	for i, v := range y {
		weights[i] = 1
		if classWeight == "balanced" {
			count := neg
			if v == 1 {
				count = pos
			}
			weights[i] = float64(n) / (2 * float64(count))
		}
	}
	if c <= 0 {
		c = 1
	}

	problem := optimize.Problem{
		Func: func(params []float64) float64 {
			w, b := params[:d], params[d]
			loss := 0.5 * floats.Dot(w, w)
			for i, row := range X {
				z := floats.Dot(w, row) + b
				loss += c * weights[i] * (softplus(z) - float64(y[i])*z)
			}
			return loss
		},
		Grad: func(grad, params []float64) {
			w, b := params[:d], params[d]
			copy(grad[:d], w)
			grad[d] = 0
			for i, row := range X {
				r := c * weights[i] * (predictor.Sigmoid(floats.Dot(w, row)+b) - float64(y[i]))
				floats.AddScaled(grad[:d], r, row)
				grad[d] += r
			}
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   maxIter,
		GradientThreshold: 1e-6,
	}
	res, err := optimize.Minimize(problem, make([]float64, d+1), settings, &optimize.LBFGS{})
	if res == nil || !finite(res.X) {
		if err == nil {
			err = apperr.New(apperr.CodeInternal, "optimizer produced no finite solution")
		}
		return Logistic{}, apperr.Wrap(err, "fit logistic regression")
	}
	// A line search that stalls near the optimum still leaves a usable
	// solution in res.X.
	return Logistic{Coef: append([]float64(nil), res.X[:d]...), Intercept: res.X[d]}, nil
}

func (m Logistic) Proba(row []float64) float64 {
	return predictor.Sigmoid(floats.Dot(m.Coef, row) + m.Intercept)
}

func (m Logistic) Predict(row []float64) int {
	if m.Proba(row) >= 0.5 {
		return 1
	}
	return 0
}

func softplus(z float64) float64 {
	return math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

func finite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return len(xs) > 0
}

// Scores are binary classification metrics; zero divisions yield 0.
type Scores struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

func Evaluate(yTrue, yPred []int) Scores {
	var tp, fp, fn, correct int
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
		switch {
		case yPred[i] == 1 && yTrue[i] == 1:
			tp++
		case yPred[i] == 1 && yTrue[i] == 0:
			fp++
		case yPred[i] == 0 && yTrue[i] == 1:
			fn++
		}
	}
	div := func(a, b int) float64 {
		if b == 0 {
			return 0
		}
		return float64(a) / float64(b)
	}
	s := Scores{
		Accuracy:  div(correct, len(yTrue)),
		Precision: div(tp, tp+fp),
		Recall:    div(tp, tp+fn),
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// ROCAUC is the area under the ROC curve, or false when yTrue holds a
// single class.
func ROCAUC(yTrue []int, scores []float64) (float64, bool) {
	type pair struct {
		score float64
		pos   bool
	}
	pairs := make([]pair, len(scores))
	hasPos, hasNeg := false, false
	for i, s := range scores {
		pairs[i] = pair{s, yTrue[i] == 1}
		if pairs[i].pos {
			hasPos = true
		} else {
			hasNeg = true
		}
	}
	if !hasPos || !hasNeg {
		return 0, false
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	ys := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		ys[i], classes[i] = p.score, p.pos
	}
	tpr, fpr, _ := stat.ROC(nil, ys, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), true
}
