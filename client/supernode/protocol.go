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

// Package supernode is the HTTP client for the supernode session protocol:
// registry, piece-task pull, success/down reporting (spec.md §3
// "Supernode session", replacing component/httputil.py).
package supernode

import "encoding/json"

// Port is the fixed supernode listening port every node address is
// dialed on (httputil.py hardcodes ":8002").
const Port = 8002

// Result/report codes, constants.py.
const (
	Success      = 200
	ResultFail   = 500
	ResultSuc    = 501
	ResultInvalid = 502
	ResultSemiSuc = 503
)

// Task status codes reported back to the supernode on each pull.
const (
	TaskStatusStart   = 700
	TaskStatusRunning = 701
	TaskStatusFinish  = 702
)

// Response task codes from /peer/task.
const (
	TaskCodeFinish      = 600
	TaskCodeContinue    = 601
	TaskCodeWait        = 602
	TaskCodeLimited     = 603
	TaskCodeSourceError = 604 // locally assigned, see SPEC_FULL.md open questions
	TaskCodeNeedAuth    = 608
	TaskCodeWaitAuth    = 609
)

// PieceTask is one entry of a pull-task response's "data" array: a single
// piece available from a specific peer.
type PieceTask struct {
	CID      string `json:"cid" mapstructure:"cid"`
	Range    string `json:"range" mapstructure:"range"`
	PeerIP   string `json:"peerIp" mapstructure:"peerIp"`
	PeerPort int    `json:"peerPort" mapstructure:"peerPort"`
	Path     string `json:"path" mapstructure:"path"`
	PieceNum uint32 `json:"pieceNum" mapstructure:"pieceNum"`
	PieceSize uint32 `json:"pieceSize" mapstructure:"pieceSize"`
	PieceMD5 string `json:"pieceMd5" mapstructure:"pieceMd5"`
	DownLink string `json:"downLink" mapstructure:"downLink"`
}

// PullResult is the decoded body of a /peer/task response. Data's shape
// depends on Code: a []PieceTask array when Code is TaskCodeContinue, or
// a {"md5": ...} object when Code is TaskCodeFinish — callers decode
// RawData with the appropriate shape after checking Code.
type PullResult struct {
	Code    int             `json:"code"`
	RawData json.RawMessage `json:"data"`
}

// Pieces decodes RawData as a piece-task array (valid when Code ==
// TaskCodeContinue).
func (r *PullResult) Pieces() ([]PieceTask, error) {
	var pieces []PieceTask
	if len(r.RawData) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(r.RawData, &pieces); err != nil {
		return nil, err
	}
	return pieces, nil
}

// FinishMD5 decodes RawData as the finish-notice object (valid when Code
// == TaskCodeFinish).
func (r *PullResult) FinishMD5() (string, error) {
	var data struct {
		MD5 string `json:"md5"`
	}
	if err := json.Unmarshal(r.RawData, &data); err != nil {
		return "", err
	}
	return data.MD5, nil
}

// RegisterResult is the decoded body of a /peer/registry response.
type RegisterResult struct {
	Code int `json:"code"`
	Data struct {
		TaskID     string `json:"taskId"`
		FileLength int64  `json:"fileLength"`
		PieceSize  uint32 `json:"pieceSize"`
	} `json:"data"`
}
