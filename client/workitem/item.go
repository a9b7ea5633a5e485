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

// Package workitem defines the single message type passed between the
// scheduler, fetcher, and writer goroutines over channels, replacing
// core.create_item's ad hoc dict (spec.md §4 "Inter-component messages").
package workitem

import "github.com/dragonflyoss/dfget/client/supernode"

// Item is one unit of work or one completed piece flowing through the
// scheduler's main queue and the writer's queue.
type Item struct {
	TaskID    string
	SuperNode string
	DstCID    string
	Range     string
	Result    int
	Status    int
	PieceCont [][]byte
	PieceSize uint32
	PieceNum  uint32

	// Last and Reset are control markers consumed by the writer instead
	// of separate sentinel values in the item map.
	Last  bool
	Reset bool
}

// New builds an Item the way core.create_item does, defaulting Result to
// ResultInvalid and Status to TaskStatusRunning.
func New(taskID, superNode, dstCID, pieceRange string, result, status int) Item {
	return Item{
		TaskID:    taskID,
		SuperNode: superNode,
		DstCID:    dstCID,
		Range:     pieceRange,
		Result:    result,
		Status:    status,
	}
}

// DefaultNew builds the first queued item for a fresh downloader, mirroring
// P2PDownloader.__init__'s initial create_item call.
func DefaultNew(taskID, superNode string) Item {
	return Item{
		TaskID:    taskID,
		SuperNode: superNode,
		Result:    supernode.ResultInvalid,
		Status:    supernode.TaskStatusStart,
	}
}
