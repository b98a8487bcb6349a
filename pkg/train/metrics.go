package train

// Metrics are binary classification scores where P rows count as positive
// ground truth and U rows as negative.
type Metrics struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`
}

// Score computes Metrics for probs against 0/1 targets. A probability strictly
// above threshold is a positive prediction. Undefined ratios are reported as 0.
func Score(probs, targets []float64, threshold float64) Metrics {
	var m Metrics
	for i, p := range probs {
		pred := p > threshold
		actual := targets[i] >= 0.5
		switch {
		case pred && actual:
			m.TP++
		case pred && !actual:
			m.FP++
		case !pred && actual:
			m.FN++
		default:
			m.TN++
		}
	}

	m.Precision = ratio(m.TP, m.TP+m.FP)
	m.Recall = ratio(m.TP, m.TP+m.FN)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.Accuracy = ratio(m.TP+m.TN, len(probs))
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
