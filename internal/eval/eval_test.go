package eval

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Hello, World!", []string{"hello", "world"}},
		{"  it's   fine ", []string{"it", "s", "fine"}},
		{"你好世界", []string{"你", "好", "世", "界"}},
		{"GPU 加速", []string{"gpu", "加", "速"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Words(tt.in)); diff != "" {
				t.Errorf("Words mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWER(t *testing.T) {
	tests := []struct {
		name      string
		ref, hyp  string
		wantWER   float64
		wantEdits int
	}{
		{"exact", "the cat sat", "The cat sat.", 0, 0},
		{"substitution", "the cat sat", "the dog sat", 1.0 / 3, 1},
		{"deletion", "the cat sat down", "the cat down", 0.25, 1},
		{"insertion", "the cat", "the black cat", 0.5, 1},
		{"empty hypothesis", "a b c d", "", 1, 4},
		{"empty both", "", "", 0, 0},
		{"empty reference", "", "noise", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wer, edits, _ := WER(tt.ref, tt.hyp)
			if math.Abs(wer-tt.wantWER) > 1e-9 || edits != tt.wantEdits {
				t.Errorf("WER = %v (%d edits), want %v (%d)", wer, edits, tt.wantWER, tt.wantEdits)
			}
		})
	}
}

func TestParseManifest(t *testing.T) {
	in := "# comment\n\na.wav\thello world\r\n/abs/b.wav\tsecond line\n"
	got, err := ParseManifest(strings.NewReader(in), "/data")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	want := []Entry{
		{Audio: "/data/a.wav", Reference: "hello world"},
		{Audio: "/abs/b.wav", Reference: "second line"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseManifest(strings.NewReader("no tab here\n"), ""); err == nil {
		t.Error("expected error for line without tab")
	}
}

func TestRun(t *testing.T) {
	entries := []Entry{
		{Audio: "one.wav", Reference: "one two three four"},
		{Audio: "two.wav", Reference: "five six"},
		{Audio: "missing.wav", Reference: "seven"},
	}
	load := func(path string) ([]float32, error) {
		if path == "missing.wav" {
			return nil, errors.New("no such file")
		}
		return make([]float32, 16000), nil
	}
	hyps := map[int]string{16000: ""}
	calls := 0
	fn := func(samples []float32) (string, error) {
		calls++
		if calls == 1 {
			return "one two tree four", nil
		}
		return hyps[len(samples)] + "five six", nil
	}

	rep, err := Run(context.Background(), entries, fn, Options{Load: load, LoadWorkers: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("transcribe calls = %d, want 2", calls)
	}
	if rep.Failed != 1 || rep.Results[2].Err == nil {
		t.Errorf("failed = %d, err = %v", rep.Failed, rep.Results[2].Err)
	}
	// 1 substitution + 0 + 1 deletion over 4 + 2 + 1 words.
	if rep.Edits != 2 || rep.RefWords != 7 {
		t.Errorf("edits = %d, words = %d", rep.Edits, rep.RefWords)
	}
	if math.Abs(rep.WER-2.0/7) > 1e-9 {
		t.Errorf("WER = %v", rep.WER)
	}
	if rep.AudioLen.Seconds() != 2 {
		t.Errorf("audio = %v, want 2s", rep.AudioLen)
	}
	if r := rep.Results[0]; r.Audio != "one.wav" || r.AudioLen.Seconds() != 1 {
		t.Errorf("result 0 audio = %q, length = %v", r.Audio, r.AudioLen)
	}

	var buf bytes.Buffer
	rep.Render(&buf)
	for _, want := range []string{"one.wav", "missing.wav", "28.57%", "3 files", "1 failed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("rendered report missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, []Entry{{Audio: "a.wav"}}, func([]float32) (string, error) { return "", nil },
		Options{Load: func(string) ([]float32, error) { return nil, nil }})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
