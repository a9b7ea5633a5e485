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

// Package errs holds the typed error kinds of spec.md §7 and the
// BackReason codes of spec.md §6, replacing exception.py's exception
// hierarchy with Go error types plus an explicit result-kind enum
// (spec.md §9 "Exceptions as control flow").
package errs

import "fmt"

type ParamError struct{ Msg string }

func (e *ParamError) Error() string { return "param error: " + e.Msg }

type DownError struct{ Msg string }

func (e *DownError) Error() string { return "down error: " + e.Msg }

type DirError struct{ Msg string }

func (e *DirError) Error() string { return "dir error: " + e.Msg }

type SpaceLackError struct {
	Free, Want int64
}

func (e *SpaceLackError) Error() string {
	return fmt.Sprintf("space lack: free=%d want=%d", e.Free, e.Want)
}

type Md5NotMatchError struct{ Real, Expected string }

func (e *Md5NotMatchError) Error() string {
	return fmt.Sprintf("md5 not match: real=%s expected=%s", e.Real, e.Expected)
}

type FileIOError struct{ Msg string }

func (e *FileIOError) Error() string { return "file io error: " + e.Msg }

type ReadTimeoutError struct{ Msg string }

func (e *ReadTimeoutError) Error() string { return "read timeout: " + e.Msg }

// NeedBack signals that the scheduler must fall to the back-source
// downloader. It is returned as an ordinary error value, not raised as
// panic/control flow, per spec.md §9.
type NeedBack struct{ Reason BackReason }

func (e *NeedBack) Error() string { return fmt.Sprintf("need back source: reason=%d", e.Reason) }

// BackReason is the spec.md §6 back_reason code space.
type BackReason int32

const (
	ReasonNone           BackReason = 0
	ReasonRegisterFail   BackReason = 1
	ReasonMd5NotMatch    BackReason = 2
	ReasonDownError      BackReason = 3
	ReasonNoSpace        BackReason = 4
	ReasonInitError      BackReason = 5
	ReasonWriteError     BackReason = 6
	ReasonHostSysError   BackReason = 7
	ReasonSourceError    BackReason = 8 // locally assigned, see SPEC_FULL.md open questions
	ReasonNodeEmpty      BackReason = 9 // locally assigned, see SPEC_FULL.md open questions
	ReasonBackAddition   BackReason = 1000
)

func (r BackReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRegisterFail:
		return "register_fail"
	case ReasonMd5NotMatch:
		return "md5_not_match"
	case ReasonDownError:
		return "down_error"
	case ReasonNoSpace:
		return "no_space"
	case ReasonInitError:
		return "init_error"
	case ReasonWriteError:
		return "write_error"
	case ReasonHostSysError:
		return "host_sys_error"
	case ReasonSourceError:
		return "source_error"
	case ReasonNodeEmpty:
		return "node_empty"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

// ExitCode maps a final back_reason (already carrying +1000 if the
// back-source downloader declined to run, see client/backsource) to the
// process exit code of spec.md §6.
func ExitCode(reason BackReason) int {
	return int(reason)
}
