package denoise

import "fmt"

// Schedule names a sigma schedule.
type Schedule string

const (
	FlowMatch Schedule = "flowmatch"
	Linear    Schedule = "linear"
)

// Sigmas returns steps+1 noise levels from 1 down to a terminal 0.
//
// flowmatch: linspace(1, 1/steps), then the static shift
// s·σ/(1+(s−1)σ) when shift > 0 and shift != 1, then a stretch so the last
// non-zero sigma equals terminal when terminal > 0.
// linear: 1 − i/steps.
func Sigmas(kind Schedule, steps int, shift, terminal float64) ([]float64, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("steps must be positive, got %d", steps)
	}
	out := make([]float64, steps+1)
	switch kind {
	case Linear:
		for i := 0; i < steps; i++ {
			out[i] = 1 - float64(i)/float64(steps)
		}
	case FlowMatch, "":
		sigmaMin := 1 / float64(steps)
		if steps == 1 {
			out[0] = 1
		} else {
			for i := 0; i < steps; i++ {
				out[i] = 1 + float64(i)*(sigmaMin-1)/float64(steps-1)
			}
		}
		if shift > 0 && shift != 1 {
			for i := 0; i < steps; i++ {
				out[i] = shift * out[i] / (1 + (shift-1)*out[i])
			}
		}
		if terminal > 0 && terminal < 1 {
			stretchToTerminal(out[:steps], terminal)
		}
	default:
		return nil, fmt.Errorf("unknown schedule %q", kind)
	}
	out[steps] = 0
	return out, nil
}

func stretchToTerminal(s []float64, terminal float64) {
	scale := (1 - s[len(s)-1]) / (1 - terminal)
	if scale < 1e-6 {
		return
	}
	for i, v := range s {
		s[i] = 1 - (1-v)/scale
	}
}
