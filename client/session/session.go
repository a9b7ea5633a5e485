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

// Package session holds the single explicit value threaded through every
// component instead of the original's module-scope globals (spec.md §9
// "Process-wide state"): task identity, file paths, and the piece-size
// history two-slot record.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dragonflyoss/dfget/client/errs"
)

// Session is created once per dfget invocation by the supervisor (C9) and
// passed by reference to every other component. Its BackReason cell is
// the sole piece of state read/written across goroutine boundaries
// without holding the session's other fields' locks.
type Session struct {
	StartTime   time.Time
	PID         int
	ExecuteSign string // "<pid>-<start_epoch_seconds_with_ms>"

	CID          string // local_ip + "-" + ExecuteSign
	TaskFileName string // basename(output) + "-" + ExecuteSign

	IP       string
	HostName string
	CallSystem string

	UsrHome       string
	DataDir       string
	SystemDataDir string
	MetaPath      string

	RealTarget   string
	BranchTarget string

	TaskID     string
	FileLength int64

	// PieceSizeHistory is [previous, current]; writers drop items whose
	// pieceSize != PieceSizeHistory[1] (spec.md §3 "Supernode session").
	PieceSizeHistory [2]uint32

	LocalLimit int64
	TotalLimit int64

	backReason atomic.Int32
}

// New builds a Session's identity fields (pid, execute_sign, cid,
// taskFileName) for a single invocation. ip must already be known (the
// supervisor learns it while probing supernodes).
func New(output, ip, homeDir string) *Session {
	now := time.Now()
	pid := os.Getpid()
	executeSign := fmt.Sprintf("%d-%.3f", pid, float64(now.UnixNano())/1e9)

	usrHome := filepath.Join(homeDir, ".small-dragonfly")
	s := &Session{
		StartTime:   now,
		PID:         pid,
		ExecuteSign: executeSign,
		IP:          ip,
		CID:         ip + "-" + executeSign,

		UsrHome:       usrHome + string(filepath.Separator),
		SystemDataDir: filepath.Join(usrHome, "data") + string(filepath.Separator),
		MetaPath:      filepath.Join(usrHome, "meta", "host.meta"),

		RealTarget: output,
	}
	s.TaskFileName = filepath.Base(output) + "-" + executeSign
	s.DataDir = s.SystemDataDir
	s.PieceSizeHistory = [2]uint32{4 * 1024 * 1024, 4 * 1024 * 1024}
	return s
}

// TaskFile is data_dir + TFN (spec.md §3 "Files on disk").
func (s *Session) TaskFile() string {
	return filepath.Join(s.DataDir, s.TaskFileName)
}

// ServiceFile is data_dir + TFN + ".service".
func (s *Session) ServiceFile() string {
	return s.TaskFile() + ".service"
}

// SetBackReason stores reason if none has been set yet (first writer
// wins), so a later success path can't overwrite the failure that
// triggered a fallback. Returns true if this call set it.
func (s *Session) SetBackReason(reason errs.BackReason) bool {
	return s.backReason.CompareAndSwap(int32(errs.ReasonNone), int32(reason))
}

// BackReason reads the current back reason (errs.ReasonNone if unset).
func (s *Session) BackReason() errs.BackReason {
	return errs.BackReason(s.backReason.Load())
}

// AddBackReasonAddition adds errs.ReasonBackAddition to whatever reason is
// set (or to ReasonDownError if somehow none is set yet), used when the
// back-source downloader declines to run (spec.md §6).
func (s *Session) AddBackReasonAddition() {
	for {
		cur := s.backReason.Load()
		reason := errs.BackReason(cur)
		if reason == errs.ReasonNone {
			reason = errs.ReasonDownError
		}
		next := reason + errs.ReasonBackAddition
		if s.backReason.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// RefreshPieceSize records a new current piece size, shifting the
// previous current into the history's first slot. Returns true if this
// is an actual change (triggering the scheduler/writer reset dance of
// spec.md §4.5 "Piece-size migration").
func (s *Session) RefreshPieceSize(newSize uint32) bool {
	if s.PieceSizeHistory[1] == newSize {
		return false
	}
	s.PieceSizeHistory[0] = s.PieceSizeHistory[1]
	s.PieceSizeHistory[1] = newSize
	return true
}

// PieceSizeChanged reports whether the history's two slots currently
// differ (a migration is pending application by the writer).
func (s *Session) PieceSizeChanged() bool {
	return s.PieceSizeHistory[0] != s.PieceSizeHistory[1]
}

// CommitPieceSize collapses the history after the writer has applied a
// reset for the new size.
func (s *Session) CommitPieceSize() {
	s.PieceSizeHistory[0] = s.PieceSizeHistory[1]
}

// CurrentPieceSize is the piece size new work should be dispatched at.
func (s *Session) CurrentPieceSize() uint32 {
	return s.PieceSizeHistory[1]
}
