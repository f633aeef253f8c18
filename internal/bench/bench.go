// Package bench measures streaming latency and real-time factor for the
// vitsstream bench command.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/example/go-vits-stream/internal/stream"
)

// Streamer starts streaming sessions. *tts.Service satisfies it.
type Streamer interface {
	Stream(ctx context.Context, input string) (*stream.Session, error)
	SampleRate() int
}

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and audio metadata for a single session.
type RunResult struct {
	Index         int
	Cold          bool // true for the first run (cold-start)
	FirstChunk    time.Duration
	Duration      time.Duration
	AudioDuration time.Duration
	Chunks        int
	RTF           float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Report aggregates a set of runs.
type Report struct {
	Runs       []RunResult
	Total      Stats
	FirstChunk Stats
	MeanRTF    float64
}

// Summarize builds a Report over runs.
func Summarize(runs []RunResult) Report {
	if len(runs) == 0 {
		return Report{}
	}

	total := make([]time.Duration, len(runs))
	first := make([]time.Duration, len(runs))
	var rtf float64
	for i, r := range runs {
		total[i] = r.Duration
		first[i] = r.FirstChunk
		rtf += r.RTF
	}

	return Report{
		Runs:       runs,
		Total:      ComputeStats(total),
		FirstChunk: ComputeStats(first),
		MeanRTF:    rtf / float64(len(runs)),
	}
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// RunOnce streams input to completion and times it. The consumer loop runs
// under the pprof label stage=stream so CPU profiles separate it from setup.
func RunOnce(ctx context.Context, svc Streamer, input string) (RunResult, error) {
	var (
		out    RunResult
		runErr error
	)
	start := time.Now()

	pprof.Do(ctx, pprof.Labels("stage", "stream"), func(ctx context.Context) {
		sess, err := svc.Stream(ctx, input)
		if err != nil {
			runErr = err
			return
		}
		defer sess.Close()

		for c, err := range sess.All(ctx) {
			if err != nil {
				runErr = err
				return
			}
			if out.Chunks == 0 {
				out.FirstChunk = time.Since(start)
			}
			out.Chunks++
			out.AudioDuration += c.Duration(svc.SampleRate())
		}
	})
	if runErr != nil {
		return out, runErr
	}
	if out.Chunks == 0 {
		return out, errors.New("session produced no chunks")
	}

	out.Duration = time.Since(start)
	out.RTF = CalcRTF(out.Duration, out.AudioDuration)

	return out, nil
}

// Run executes warmup discarded runs followed by runs measured ones. The
// first measured run is marked cold when warmup is zero.
func Run(ctx context.Context, svc Streamer, input string, runs, warmup int) ([]RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("runs must be >= 1 (got %d)", runs)
	}

	for i := range warmup {
		if _, err := RunOnce(ctx, svc, input); err != nil {
			return nil, fmt.Errorf("warmup run %d: %w", i+1, err)
		}
	}

	results := make([]RunResult, 0, runs)
	for i := range runs {
		r, err := RunOnce(ctx, svc, input)
		if err != nil {
			return results, fmt.Errorf("run %d: %w", i+1, err)
		}
		r.Index = i
		r.Cold = i == 0 && warmup == 0
		results = append(results, r)
	}

	return results, nil
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns synthesis_duration / audio_duration.
// Returns 0 if audioDur is zero to avoid division by zero.
func CalcRTF(synthDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(synthDur) / float64(audioDur)
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(rep Report, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %12s  %6s  %8s\n", "Run", "Cold", "TTFC(ms)", "MS", "Audio(ms)", "Chunks", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 68))

	for _, r := range rep.Runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %10.1f  %12.1f  %6d  %8.3f\n",
			r.Index+1,
			cold,
			ms(r.FirstChunk),
			ms(r.Duration),
			ms(r.AudioDuration),
			r.Chunks,
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 68))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %10.1f  %12s  %6s  %8s  (min)\n", "", "", ms(rep.FirstChunk.Min), ms(rep.Total.Min), "", "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %10.1f  %12s  %6s  %8.3f  (mean)\n", "", "", ms(rep.FirstChunk.Mean), ms(rep.Total.Mean), "", "", rep.MeanRTF)
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %10.1f  %12s  %6s  %8s  (max)\n", "", "", ms(rep.FirstChunk.Max), ms(rep.Total.Max), "", "", "")

	fmt.Fprint(w, sb.String())
}

type jsonReport struct {
	Runs    []jsonRun `json:"runs"`
	Total   jsonStats `json:"total"`
	TTFC    jsonStats `json:"ttfc"`
	MeanRTF float64   `json:"mean_rtf"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	TTFCMS     float64 `json:"ttfc_ms"`
	DurationMS float64 `json:"duration_ms"`
	AudioMS    float64 `json:"audio_ms"`
	Chunks     int     `json:"chunks"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

func toJSONStats(s Stats) jsonStats {
	return jsonStats{MinMS: ms(s.Min), MeanMS: ms(s.Mean), MaxMS: ms(s.Max)}
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(rep Report, w io.Writer) error {
	jr := jsonReport{
		Runs:    make([]jsonRun, len(rep.Runs)),
		Total:   toJSONStats(rep.Total),
		TTFC:    toJSONStats(rep.FirstChunk),
		MeanRTF: rep.MeanRTF,
	}
	for i, r := range rep.Runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			TTFCMS:     ms(r.FirstChunk),
			DurationMS: ms(r.Duration),
			AudioMS:    ms(r.AudioDuration),
			Chunks:     r.Chunks,
			RTF:        r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
