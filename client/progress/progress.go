/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package progress renders the optional download progress bar and
// tracks per-piece latency, replacing component/stdshower.py's static
// class (spec.md §4.6 "Progress display").
package progress

import (
	"fmt"
	"os"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/schollz/progressbar/v3"
)

var state = &shower{}

type shower struct {
	mu      sync.Mutex
	enabled bool
	bar     *progressbar.ProgressBar
	started bool

	latenciesMS []float64
}

// Init arms (or disarms) the progress bar for a download of fileLength
// bytes. Call once before the scheduler starts dispatching pieces.
func Init(fileLength int64, enabled bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.enabled = enabled
	state.started = false
	state.latenciesMS = nil
	if enabled {
		state.bar = progressbar.NewOptions64(fileLength,
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWriter(os.Stdout),
			progressbar.OptionThrottle(100_000_000),
		)
	} else {
		state.bar = nil
	}
}

// Update adds increment bytes to the bar. A non-positive increment is a
// no-op, matching the original's early return.
func Update(increment int) {
	if increment <= 0 {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.enabled || state.bar == nil {
		return
	}
	if !state.started {
		fmt.Println("====================start====================")
		state.started = true
	}
	_ = state.bar.Add(increment)
}

// Reset zeroes the bar's progress without disarming it, used after a
// piece-size migration invalidates everything written so far.
func Reset() {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.bar != nil {
		_ = state.bar.Reset()
	}
}

// Finish prints the closing banner once a download completes.
func Finish() {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.enabled {
		fmt.Println("\n=====================end=====================")
	}
}

// PrintInfo prints msg above the bar, clearing the bar's current line
// first so the two don't overlap on a real terminal.
func PrintInfo(msg string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.enabled && state.bar != nil {
		_ = state.bar.Clear()
	}
	fmt.Println(msg)
}

// RecordLatencyMS appends one piece-fetch latency sample for the
// p50/p95 summary (a telemetry addition beyond the original, spec.md's
// SPEC_FULL domain stack for montanaflynn/stats).
func RecordLatencyMS(ms float64) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.latenciesMS = append(state.latenciesMS, ms)
}

// LatencySummary reports the p50/p95 piece-fetch latency in milliseconds
// observed so far. Returns zeros if no samples were recorded.
func LatencySummary() (p50, p95 float64) {
	state.mu.Lock()
	samples := append([]float64(nil), state.latenciesMS...)
	state.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0
	}
	p50, _ = stats.Percentile(samples, 50)
	p95, _ = stats.Percentile(samples, 95)
	return p50, p95
}
