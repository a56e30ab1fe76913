package training

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"botguard/internal/features"
	"botguard/internal/ml"
	"botguard/internal/session"
)

// ClassReport holds the per-class scores of a classification report.
type ClassReport struct {
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	Support   int     `json:"support"`
}

// Confusion counts predictions against labels, with bot as the positive
// class.
type Confusion struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`
}

// Report summarises how a scorer performs on a labelled dataset when its
// output is passed through the online decision rule.
type Report struct {
	Threshold float64     `json:"threshold"`
	Rows      int         `json:"rows"`
	Accuracy  float64     `json:"accuracy"`
	AllowRate float64     `json:"allow_rate"`
	Confusion Confusion   `json:"confusion"`
	Human     ClassReport `json:"human"`
	Bot       ClassReport `json:"bot"`
}

// Evaluate scores every row of ds and compares the decisions with the
// labels. A blocked session counts as a bot prediction. The first scorer
// error aborts the evaluation.
func Evaluate(ctx context.Context, scorer ml.Scorer, ds Dataset, threshold float64) (Report, error) {
	if scorer == nil {
		return Report{}, ml.ErrModelUnavailable
	}
	if ds.Len() == 0 {
		return Report{}, errors.New("no labelled rows to evaluate")
	}

	r := Report{Threshold: threshold, Rows: ds.Len()}
	allowed := 0

	for i, row := range ds.X {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		v, err := features.FromValues(row)
		if err != nil {
			return Report{}, fmt.Errorf("row %d: %w", i, err)
		}
		p, err := scorer.HumanProbability(ctx, v)
		if err != nil {
			return Report{}, fmt.Errorf("score row %d: %w", i, err)
		}

		d := ml.DecideWithThreshold(p, threshold)
		predictedBot := !d.Allowed()
		actualBot := session.Label(ds.Y[i]).IsBot()
		if d.Allowed() {
			allowed++
		}

		switch {
		case predictedBot && actualBot:
			r.Confusion.TruePositives++
		case predictedBot && !actualBot:
			r.Confusion.FalsePositives++
		case !predictedBot && actualBot:
			r.Confusion.FalseNegatives++
		default:
			r.Confusion.TrueNegatives++
		}
	}

	c := r.Confusion
	r.Accuracy = ratio(c.TruePositives+c.TrueNegatives, r.Rows)
	r.AllowRate = ratio(allowed, r.Rows)
	r.Human = classReport(session.LabelHuman.String(), c.TrueNegatives, c.FalseNegatives, c.FalsePositives)
	r.Bot = classReport(session.LabelBot.String(), c.TruePositives, c.FalsePositives, c.FalseNegatives)

	return r, nil
}

// classReport derives precision and recall for one class from its correct
// predictions, the rows wrongly predicted as it, and the rows of it that were
// missed.
func classReport(name string, correct, wronglyPredicted, missed int) ClassReport {
	cr := ClassReport{
		Name:      name,
		Precision: ratio(correct, correct+wronglyPredicted),
		Recall:    ratio(correct, correct+missed),
		Support:   correct + missed,
	}
	if cr.Precision+cr.Recall > 0 {
		cr.F1Score = 2 * cr.Precision * cr.Recall / (cr.Precision + cr.Recall)
	}
	return cr
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// ModelMetrics converts the report for the model version registry.
func (r Report) ModelMetrics(trainingSamples int) ml.ModelMetrics {
	return ml.ModelMetrics{
		Accuracy:        r.Accuracy,
		Precision:       r.Bot.Precision,
		Recall:          r.Bot.Recall,
		F1Score:         r.Bot.F1Score,
		AllowRate:       r.AllowRate,
		TrainingSamples: trainingSamples,
	}
}

// String renders the report in the usual classification report layout.
func (r Report) String() string {
	const width = len("weighted avg")
	var b strings.Builder

	fmt.Fprintf(&b, "Model Accuracy: %.2f%%\n\n", r.Accuracy*100)
	fmt.Fprintf(&b, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	for _, cr := range []ClassReport{r.Human, r.Bot} {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, cr.Name, cr.Precision, cr.Recall, cr.F1Score, cr.Support)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", r.Accuracy, r.Rows)

	macro := func(f func(ClassReport) float64) float64 { return (f(r.Human) + f(r.Bot)) / 2 }
	weighted := func(f func(ClassReport) float64) float64 {
		if r.Rows == 0 {
			return 0
		}
		return (f(r.Human)*float64(r.Human.Support) + f(r.Bot)*float64(r.Bot.Support)) / float64(r.Rows)
	}
	precision := func(c ClassReport) float64 { return c.Precision }
	recall := func(c ClassReport) float64 { return c.Recall }
	f1 := func(c ClassReport) float64 { return c.F1Score }

	fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, "macro avg", macro(precision), macro(recall), macro(f1), r.Rows)
	fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, "weighted avg", weighted(precision), weighted(recall), weighted(f1), r.Rows)

	return b.String()
}
