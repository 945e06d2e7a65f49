package audio

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func tone(n int, freq, amp float64, rate int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return x
}

func TestReflectPad(t *testing.T) {
	got := reflectPad([]float32{1, 2, 3, 4, 5}, 2)
	want := []float32{3, 2, 1, 2, 3, 4, 5, 4, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reflectPad mismatch (-want +got):\n%s", diff)
	}
}

func TestMelSpectrogram(t *testing.T) {
	tests := []struct {
		name    string
		samples int
		frames  int
	}{
		{"one second", SampleRate, 100},
		{"half second", SampleRate / 2, 50},
		{"too short", 100, 0},
		{"empty", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mel, n := MelSpectrogram(tone(tt.samples, 440, 0.5, SampleRate))
			if n != tt.frames {
				t.Fatalf("frames = %d, want %d", n, tt.frames)
			}
			if len(mel) != NMel*n {
				t.Errorf("len = %d, want %d", len(mel), NMel*n)
			}
		})
	}
}

func TestMelDynamicRange(t *testing.T) {
	raw, n, peak := LogMel(tone(SampleRate, 1000, 0.5, SampleRate))
	mel := Normalize(raw, n, peak)

	lo, hi := (peak-4)/4, (peak+4)/4
	for i, v := range mel {
		if v < lo-1e-5 || v > hi+1e-5 {
			t.Fatalf("mel[%d] = %v outside [%v, %v]", i, v, lo, hi)
		}
	}

	// a 1 kHz tone peaks near mel 15 on the Slaney scale
	frame := n / 2
	best := 0
	for m := 1; m < NMel; m++ {
		if mel[m*n+frame] > mel[best*n+frame] {
			best = m
		}
	}
	if best < 38 || best > 46 {
		t.Errorf("peak bin = %d, want about 42", best)
	}
}

func TestCompactSilence(t *testing.T) {
	t.Run("all silent keeps fallback floor", func(t *testing.T) {
		in := make([]float32, SampleRate)
		out := CompactSilence(in)
		if len(out) > len(in) || len(out) < SampleRate/2 {
			t.Errorf("len = %d", len(out))
		}
	})

	t.Run("long pause is shortened", func(t *testing.T) {
		var in []float32
		in = append(in, make([]float32, SampleRate/2)...)
		in = append(in, tone(SampleRate, 300, 0.3, SampleRate)...)
		in = append(in, make([]float32, 2*SampleRate)...)
		in = append(in, tone(SampleRate/2, 300, 0.3, SampleRate)...)

		out := CompactSilence(in)
		if len(out) >= len(in) {
			t.Errorf("len = %d, want less than %d", len(out), len(in))
		}
		if len(out) < 3*SampleRate/2 {
			t.Errorf("len = %d dropped voiced audio", len(out))
		}
	})

	t.Run("empty", func(t *testing.T) {
		if out := CompactSilence(nil); out != nil {
			t.Errorf("got %v", out)
		}
	})
}

func TestResample(t *testing.T) {
	same := []float32{1, 2, 3}
	if got := Resample(same, SampleRate, SampleRate); len(got) != 3 {
		t.Errorf("identity resample changed length")
	}

	tests := []struct {
		name string
		from int
		n    int
		want int
	}{
		{"downsample", 32000, 3200, 1600},
		{"upsample", 8000, 800, 1600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := make([]float32, tt.n)
			for i := range dc {
				dc[i] = 1
			}
			got := Resample(dc, tt.from, SampleRate)
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			for i := 40; i < len(got)-40; i++ {
				if math.Abs(float64(got[i])-1) > 1e-3 {
					t.Fatalf("got[%d] = %v, want 1", i, got[i])
				}
			}
		})
	}
}

func writeTestWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteWAV(f, samples, rate); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWAV(t *testing.T) {
	in := tone(1600, 200, 0.5, SampleRate)
	got, err := LoadWAV(writeTestWAV(t, in, SampleRate))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if math.Abs(float64(got[i]-in[i])) > 2.0/32767 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], in[i])
		}
	}

	got, err = LoadWAV(writeTestWAV(t, tone(800, 200, 0.5, 8000), 8000))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1600 {
		t.Errorf("resampled len = %d, want 1600", len(got))
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAVBytes([]byte("definitely not a riff wave file"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestReadPCM(t *testing.T) {
	got, err := ReadPCM(bytes.NewReader([]byte{0x00, 0x40, 0x00, 0xc0}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.5, -0.5}, got); diff != "" {
		t.Errorf("raw mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadPCM(bytes.NewReader([]byte{1, 2})); err == nil {
		t.Error("expected error for short input")
	}

	img, err := os.ReadFile(writeTestWAV(t, tone(320, 200, 0.5, SampleRate), SampleRate))
	if err != nil {
		t.Fatal(err)
	}
	got, err = ReadPCM(bytes.NewReader(img))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 320 {
		t.Errorf("wav len = %d, want 320", len(got))
	}
}

func TestStreamPCM(t *testing.T) {
	t.Run("raw with odd tail", func(t *testing.T) {
		la, err := StreamPCM(bytes.NewReader([]byte{0x00, 0x40, 0x00, 0xc0, 0x00}))
		if err != nil {
			t.Fatal(err)
		}
		got, start, eof := la.Drain(1 << 40)
		if diff := cmp.Diff([]float32{0.5, -0.5}, got); diff != "" || start != 0 || !eof {
			t.Errorf("Drain = %v, %d, %v", got, start, eof)
		}
	})

	t.Run("wav 16k mono", func(t *testing.T) {
		img, err := os.ReadFile(writeTestWAV(t, tone(5000, 200, 0.5, SampleRate), SampleRate))
		if err != nil {
			t.Fatal(err)
		}
		la, err := StreamPCM(bytes.NewReader(img))
		if err != nil {
			t.Fatal(err)
		}
		var total int
		for {
			x, _, eof := la.Drain(1 << 40)
			total += len(x)
			if eof {
				x, _, _ = la.Drain(0)
				total += len(x)
				break
			}
		}
		if total != 5000 {
			t.Errorf("samples = %d, want 5000", total)
		}
	})

	t.Run("wav wrong rate", func(t *testing.T) {
		img, err := os.ReadFile(writeTestWAV(t, tone(800, 200, 0.5, 8000), 8000))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := StreamPCM(bytes.NewReader(img)); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("err = %v, want ErrUnsupportedFormat", err)
		}
	})
}

func TestLiveAudio(t *testing.T) {
	la := NewLiveAudio()
	la.PushS16([]int16{16384, -16384})
	la.Push(make([]float32, 98))

	x, start, eof := la.Drain(50)
	if len(x) != 100 || start != 0 || eof {
		t.Fatalf("Drain = %d samples at %d, eof %v", len(x), start, eof)
	}
	if x[0] != 0.5 || x[1] != -0.5 {
		t.Errorf("s16 conversion = %v", x[:2])
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		x, start, _ := la.Drain(150)
		if len(x) != 60 || start != 100 {
			t.Errorf("blocked Drain = %d samples at %d", len(x), start)
		}
	}()
	la.Push(make([]float32, 60))
	<-done

	la.SignalEOF()
	if x, start, eof := la.Drain(1 << 40); len(x) != 0 || start != 160 || !eof {
		t.Errorf("Drain after eof = %d at %d, %v", len(x), start, eof)
	}
	if la.Total() != 160 || !la.EOF() {
		t.Errorf("Total = %d", la.Total())
	}

	la.Reset()
	if la.Total() != 0 || la.EOF() {
		t.Error("Reset did not clear state")
	}
}

func TestMelSpectrogramWithPeak(t *testing.T) {
	x := tone(SampleRate, 500, 0.5, SampleRate)
	peak := UnsetPeak
	first, n := MelSpectrogramWithPeak(x, &peak)
	if n != 100 || peak <= UnsetPeak {
		t.Fatalf("frames = %d, peak = %v", n, peak)
	}
	if diff := cmp.Diff(first, mustMel(t, x)); diff != "" {
		t.Errorf("unset preset differs from MelSpectrogram (-with +plain):\n%s", diff)
	}

	quiet := tone(SampleRate, 500, 0.05, SampleRate)
	shared, _ := MelSpectrogramWithPeak(quiet, &peak)
	own := mustMel(t, quiet)
	if cmp.Equal(shared, own) {
		t.Error("preset peak was ignored")
	}
}

func mustMel(t *testing.T, x []float32) []float32 {
	t.Helper()
	mel, n := MelSpectrogram(x)
	if n == 0 {
		t.Fatal("no frames")
	}
	return mel
}
