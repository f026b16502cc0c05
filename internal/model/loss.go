package model

import "fmt"

// LossFunc scores one model output against its target class and returns the
// loss together with its gradient with respect to the output.
type LossFunc func(output []float32, target int) (float64, []float32, error)

// NLLLoss is the negative log-likelihood of target under log-probabilities.
func NLLLoss(logProbs []float32, target int) (float64, []float32, error) {
	if target < 0 || target >= len(logProbs) {
		return 0, nil, fmt.Errorf("model: target %d out of range [0, %d)", target, len(logProbs))
	}
	grad := make([]float32, len(logProbs))
	grad[target] = -1
	return -float64(logProbs[target]), grad, nil
}
