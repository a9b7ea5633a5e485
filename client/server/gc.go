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

package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dragonflyoss/dfget/pkg/dflog"
)

const (
	gcInterval          = 15 * time.Second
	gcExpireTracked      = 180 * time.Second
	gcExpireUntracked    = 3600 * time.Second
)

// RunGC walks dataDir forever at gcInterval, deleting task files that
// have been idle past their expiry window and reporting the deletion to
// the owning supernode for files this server still has bookkeeping for,
// matching server_gc(). It stops when ctx is cancelled.
func (s *Server) RunGC(ctx context.Context, dataDir string) {
	dflog.ServerInfof("start server gc")
	var gcMu sync.Mutex

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_ = filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}

			gcMu.Lock()
			s.gcOne(path, d.Name())
			gcMu.Unlock()
			return nil
		})
	}
}

func (s *Server) gcOne(filePath, fileName string) {
	taskName := taskNameFromFileName(fileName)

	expire := gcExpireUntracked
	entry := s.tasks.Read(taskName)
	tracked := entry != nil
	if tracked {
		if !entry.Finished {
			return
		}
		expire = gcExpireTracked
	}

	f, err := os.OpenFile(filePath, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	_ = f.Sync()
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return
	}

	// Go's os.FileInfo exposes mtime portably but not atime, so unlike
	// the original (which compares atime and mtime and keeps the
	// larger), staleness here is judged on mtime alone.
	hitTime := info.ModTime()
	if time.Since(hitTime) <= expire {
		return
	}

	dflog.ServerInfof("delete expired (%s) file:%s", expire, filePath)
	if err := os.Remove(filePath); err != nil {
		return
	}
	if tracked {
		s.snClient.DownService(context.Background(), entry.SuperNode, entry.TaskID, entry.CID)
		s.tasks.Delete(taskName)
	}
}

func taskNameFromFileName(fileName string) string {
	if idx := strings.Index(fileName, ".service"); idx != -1 {
		return fileName[:idx]
	}
	return fileName
}
