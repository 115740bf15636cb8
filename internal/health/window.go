package health

import "time"

type sample struct {
	at     time.Time
	denied bool
}

// rollingWindow keeps the trailing event history used for the error-rate
// check: everything inside the evaluation window, or the last keepMin
// samples when the window alone would hold fewer.
type rollingWindow struct {
	samples []sample
	head    int
	denied  int
}

func newRollingWindow() *rollingWindow {
	return &rollingWindow{samples: make([]sample, 0, 64)}
}

func (w *rollingWindow) add(at time.Time, denied bool) {
	w.samples = append(w.samples, sample{at: at, denied: denied})
	if denied {
		w.denied++
	}
}

func (w *rollingWindow) evict(cutoff time.Time, keepMin int) {
	for w.head < len(w.samples) {
		if w.len() <= keepMin {
			break
		}
		s := w.samples[w.head]
		if !s.at.Before(cutoff) {
			break
		}
		if s.denied {
			w.denied--
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.samples) {
		w.samples = append([]sample{}, w.samples[w.head:]...)
		w.head = 0
	}
}

func (w *rollingWindow) len() int {
	return len(w.samples) - w.head
}

func (w *rollingWindow) errorRate() (rate float64, samples int) {
	samples = w.len()
	if samples == 0 {
		return 0, 0
	}
	return float64(w.denied) / float64(samples), samples
}
