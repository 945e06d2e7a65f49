package audio

import (
	"math"
	"sync"
)

type melTables struct {
	filters []float32 // [NMel][NFreq]
	window  []float32
	cos     []float32 // [NFreq][NFFT]
	sin     []float32
}

var (
	tablesOnce sync.Once
	tables     *melTables
)

func getTables() *melTables {
	tablesOnce.Do(func() {
		t := &melTables{
			filters: slaneyFilters(),
			window:  make([]float32, WinLength),
			cos:     make([]float32, NFreq*NFFT),
			sin:     make([]float32, NFreq*NFFT),
		}
		for i := range t.window {
			t.window[i] = 0.5 * (1 - float32(math.Cos(2*math.Pi*float64(i)/WinLength)))
		}
		for k := 0; k < NFreq; k++ {
			for n := 0; n < NFFT; n++ {
				angle := 2 * math.Pi * float64(k) * float64(n) / NFFT
				t.cos[k*NFFT+n] = float32(math.Cos(angle))
				t.sin[k*NFFT+n] = float32(math.Sin(angle))
			}
		}
		tables = t
	})
	return tables
}

const (
	minLogHertz = 1000.0
	minLogMel   = 15.0
)

func hertzToMel(f float64) float64 {
	if f >= minLogHertz {
		return minLogMel + math.Log(f/minLogHertz)*(27/math.Log(6.4))
	}
	return 3 * f / 200
}

func melToHertz(m float64) float64 {
	if m >= minLogMel {
		return minLogHertz * math.Exp(math.Log(6.4)/27*(m-minLogMel))
	}
	return 200 * m / 3
}

// slaneyFilters builds area-normalized triangular filters on the Slaney
// mel scale over 0..8 kHz.
func slaneyFilters() []float32 {
	fftFreqs := make([]float64, NFreq)
	for i := range fftFreqs {
		fftFreqs[i] = float64(i) * (SampleRate / 2.0) / float64(NFreq-1)
	}
	melMin, melMax := hertzToMel(0), hertzToMel(SampleRate/2.0)

	freqs := make([]float64, NMel+2)
	for i := range freqs {
		freqs[i] = melToHertz(melMin + (melMax-melMin)*float64(i)/float64(NMel+1))
	}
	diff := make([]float64, NMel+1)
	for i := range diff {
		diff[i] = freqs[i+1] - freqs[i]
		if diff[i] == 0 {
			diff[i] = 1e-6
		}
	}

	out := make([]float32, NMel*NFreq)
	for m := 0; m < NMel; m++ {
		enorm := 2 / (freqs[m+2] - freqs[m])
		for f := 0; f < NFreq; f++ {
			down := (fftFreqs[f] - freqs[m]) / diff[m]
			up := (freqs[m+2] - fftFreqs[f]) / diff[m+1]
			v := math.Max(0, math.Min(down, up))
			out[m*NFreq+f] = float32(v * enorm)
		}
	}
	return out
}

// reflectPad mirrors pad samples on each side without repeating the edge,
// using zeros where the signal is too short to mirror.
func reflectPad(x []float32, pad int) []float32 {
	n := len(x)
	out := make([]float32, n+2*pad)
	for i := 0; i < pad; i++ {
		if src := pad - i; src < n {
			out[i] = x[src]
		}
	}
	copy(out[pad:], x)
	for i := 0; i < pad; i++ {
		if src := n - 2 - i; src >= 0 {
			out[pad+n+i] = x[src]
		}
	}
	return out
}

// LogMel computes raw log10 mel power frames laid out [frame][NMel] and the
// largest value seen. The trailing STFT frame is dropped. It returns zero
// frames for input too short to produce one.
func LogMel(samples []float32) (frames []float32, n int, peak float32) {
	t := getTables()
	padded := reflectPad(samples, NFFT/2)
	n = (len(padded)-NFFT)/HopLength + 1 - 1
	if n <= 0 {
		return nil, 0, 0
	}

	frames = make([]float32, n*NMel)
	windowed := make([]float32, NFFT)
	power := make([]float32, NFreq)
	peak = -1e30

	for f := 0; f < n; f++ {
		start := f * HopLength
		for i := range windowed {
			windowed[i] = padded[start+i] * t.window[i]
		}
		for k := 0; k < NFreq; k++ {
			cr := t.cos[k*NFFT : (k+1)*NFFT]
			sr := t.sin[k*NFFT : (k+1)*NFFT]
			var re, im float32
			for i, v := range windowed {
				re += v * cr[i]
				im += v * sr[i]
			}
			power[k] = re*re + im*im
		}
		row := frames[f*NMel : (f+1)*NMel]
		for m := range row {
			filt := t.filters[m*NFreq : (m+1)*NFreq]
			var sum float32
			for k, p := range power {
				sum += filt[k] * p
			}
			v := float32(math.Log10(float64(max(sum, 1e-10))))
			row[m] = v
			peak = max(peak, v)
		}
	}
	return frames, n, peak
}

// Normalize clamps log-mel frames to [peak-8, ...], rescales by (v+4)/4 and
// transposes them into the encoder layout [NMel][n].
func Normalize(frames []float32, n int, peak float32) []float32 {
	floor := peak - 8
	out := make([]float32, NMel*n)
	for f := 0; f < n; f++ {
		for m := 0; m < NMel; m++ {
			v := max(frames[f*NMel+m], floor)
			out[m*n+f] = (v + 4) / 4
		}
	}
	return out
}

// MelSpectrogram returns the normalized [NMel][frames] features for a
// 16 kHz signal, with the clamp floor taken from the signal's own peak.
func MelSpectrogram(samples []float32) ([]float32, int) {
	frames, n, peak := LogMel(samples)
	if n == 0 {
		return nil, 0
	}
	return Normalize(frames, n, peak), n
}

// UnsetPeak marks a peak preset that has not been computed yet.
const UnsetPeak float32 = -1e30

// MelSpectrogramWithPeak is MelSpectrogram with a shared clamp peak. When
// *peak holds a computed value it is used as is; otherwise the signal's own
// peak is used and stored back, so later calls normalize identically.
func MelSpectrogramWithPeak(samples []float32, peak *float32) ([]float32, int) {
	frames, n, p := LogMel(samples)
	if n == 0 {
		return nil, 0
	}
	if peak != nil {
		if *peak > -1e20 {
			p = *peak
		} else {
			*peak = p
		}
	}
	return Normalize(frames, n, p), n
}
