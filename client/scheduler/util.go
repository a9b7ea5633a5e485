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

package scheduler

import (
	"strconv"
	"strings"

	"github.com/dragonflyoss/dfget/pkg/util/fileutil"
)

// moveToTarget renames/copies src onto dst, verifying the supernode's
// reported MD5 first when non-empty, matching finish_task's final
// shutil.move.
func moveToTarget(src, dst, expectMD5 string) error {
	return fileutil.MoveFile(src, dst, expectMD5)
}

// parseDownLink reads a piece task's "N" KB/s hint (PieceTask.DownLink),
// matching pull_rate's int(piece_task["downLink"]) usage.
func parseDownLink(downLink string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(downLink), 10, 64)
}
