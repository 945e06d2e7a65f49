package audio

import (
	"math"
	"slices"
)

const (
	gateWindow      = 160 // 10 ms
	gateBaseThresh  = 0.002
	gateMaxThresh   = 0.025
	gateSmooth      = 0.2
	minVoiceWindows = 5
	padVoiceWindows = 3
	passWindows     = 60
)

// CompactSilence drops long silent stretches. Each 10 ms window is gated
// on a smoothed RMS against an adaptive threshold taken from the 25th
// percentile; voice bursts shorter than 50 ms are discarded, speech edges
// get 30 ms of padding, and the first 600 ms of every silent run is kept.
// If nothing survives, the first half second of input is returned.
func CompactSilence(samples []float32) []float32 {
	n := len(samples)
	if n == 0 {
		return nil
	}
	nWin := (n + gateWindow - 1) / gateWindow

	smooth := make([]float32, nWin)
	var s float32
	for w := 0; w < nWin; w++ {
		win := samples[w*gateWindow : min((w+1)*gateWindow, n)]
		var energy float32
		for _, v := range win {
			energy += v * v
		}
		rms := float32(math.Sqrt(float64(energy / float32(len(win)))))
		if w == 0 {
			s = rms
		}
		s = (1-gateSmooth)*s + gateSmooth*rms
		smooth[w] = s
	}

	sorted := slices.Clone(smooth)
	slices.Sort(sorted)
	thresh := sorted[int(float32(nWin-1)*0.25)] * 1.8
	thresh = min(max(thresh, gateBaseThresh), gateMaxThresh)

	voice := make([]bool, nWin)
	for w, v := range smooth {
		voice[w] = v > thresh
	}
	for i := 0; i < nWin; {
		if !voice[i] {
			i++
			continue
		}
		j := i + 1
		for j < nWin && voice[j] {
			j++
		}
		if j-i < minVoiceWindows {
			for k := i; k < j; k++ {
				voice[k] = false
			}
		}
		i = j
	}

	keep := make([]bool, nWin)
	for w, v := range voice {
		if !v {
			continue
		}
		for k := max(0, w-padVoiceWindows); k <= min(nWin-1, w+padVoiceWindows); k++ {
			keep[k] = true
		}
	}

	out := make([]float32, 0, n)
	silent := 0
	for w := 0; w < nWin; w++ {
		win := samples[w*gateWindow : min((w+1)*gateWindow, n)]
		if keep[w] {
			silent = 0
			out = append(out, win...)
			continue
		}
		silent++
		if silent <= passWindows {
			out = append(out, win...)
		}
	}

	if len(out) == 0 {
		out = append(out, samples[:min(n, SampleRate/2)]...)
	}
	return out
}
