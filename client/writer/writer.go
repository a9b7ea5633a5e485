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

// Package writer persists completed pieces to the shared service file and,
// when the target can't be hardlinked to it, mirrors them into the final
// target file directly. It replaces core/fetcher.py's ClientWriter,
// TargetWriter, and SyncWriter (spec.md §4.3 "Writers").
package writer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dragonflyoss/dfget/client/piece"
	"github.com/dragonflyoss/dfget/client/progress"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/client/workitem"
	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/fileutil"
)

// syncEveryN matches the original's "sync every 4 pieces" cadence.
const syncEveryN = 4

// ServiceWriter owns the shared service file that every dfget
// invocation downloading the same task links to, and decides whether a
// piece also needs mirroring straight into this invocation's own
// target file (when the service-file hardlink trick isn't available).
type ServiceWriter struct {
	CID string

	snClient *supernode.Client
	node     string
	taskID   string

	serviceFile string
	file        *os.File

	acrossWrite int // 0 = not across, >0 = force across

	pieceIndex int
	syncCh     chan *os.File

	target    *TargetWriter
	targetCh  chan workitem.Item

	currentPieceSize uint32
	failed           bool

	mu sync.Mutex
}

// NewServiceWriter opens serviceFile and arranges the client-file and
// branch-target hardlinks the way ClientWriter.__init__ does. clientFile
// is the per-invocation task file; branchTarget is the temp file the
// eventual move-to-target renames from.
func NewServiceWriter(serviceFile, clientFile, branchTarget string, pieceSize uint32, cid string, snClient *supernode.Client, node, taskID string) (*ServiceWriter, error) {
	f, err := fileutil.OpenFile(serviceFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w := &ServiceWriter{
		CID:              cid,
		snClient:         snClient,
		node:             node,
		taskID:           taskID,
		serviceFile:      serviceFile,
		file:             f,
		currentPieceSize: pieceSize,
		syncCh:           make(chan *os.File, 8),
	}

	if !fileutil.Link(branchTarget, clientFile) {
		w.acrossWrite = 2
	}
	fileutil.Link(serviceFile, clientFile)

	if w.acrossWrite > 0 {
		target, err := NewTargetWriter(branchTarget)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.target = target
		w.targetCh = target.Items()
	}

	go w.runSync()
	return w, nil
}

// AcrossWrite reports whether pieces are being mirrored into a separate
// target file rather than written straight to the service file.
func (w *ServiceWriter) AcrossWrite() bool { return w.acrossWrite > 0 }

// Write applies one completed piece. pieceSize must match the writer's
// current piece size or the item is silently dropped (a migration made
// it stale), matching the original's `if item["pieceSize"] != ...: continue`.
func (w *ServiceWriter) Write(ctx context.Context, item workitem.Item) {
	if item.PieceSize != w.currentPieceSize {
		return
	}
	w.mu.Lock()
	failed := w.failed
	w.mu.Unlock()
	if failed {
		return
	}

	if w.acrossWrite > 0 {
		w.targetCh <- item
		return
	}

	start := time.Now()
	if err := w.doWrite(item); err != nil {
		dflog.Errorf("write item range:%s error:%v", item.Range, err)
		w.mu.Lock()
		w.failed = true
		w.mu.Unlock()
		return
	}

	w.snClient.Suc(ctx, item.SuperNode, item.TaskID, w.CID, item.DstCID, item.Range)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		dflog.Infof("async writer and report suc from dst:%.25s... cost:%s for range:%s", item.DstCID, elapsed, item.Range)
	}
}

func (w *ServiceWriter) doWrite(item workitem.Item) error {
	body := piece.Unframe(item.PieceCont)
	offset := int64(item.PieceNum) * int64(item.PieceSize-5)

	// WriteAt (pwrite) is safe to call concurrently across goroutines
	// since each call carries its own offset; only the shared piece
	// counter and sync scheduling below need the lock.
	if _, err := w.file.WriteAt(body, offset); err != nil {
		return err
	}

	w.mu.Lock()
	w.pieceIndex++
	doSync := w.pieceIndex%syncEveryN == 0
	w.mu.Unlock()

	progress.Update(len(body))
	if doSync {
		select {
		case w.syncCh <- w.file:
		default:
		}
	}
	return nil
}

// Reset truncates the service file (and forwards the reset marker to the
// target writer when writing across), used when a piece-size migration
// invalidates everything written so far. The caller must ensure no
// concurrent Write calls are in flight (the scheduler pauses dispatch
// across a migration before calling this).
func (w *ServiceWriter) Reset() {
	_ = w.file.Truncate(0)
	w.pieceIndex = 0
	if w.acrossWrite > 0 {
		w.targetCh <- workitem.Item{Reset: true}
	}
	progress.Reset()
}

// SetPieceSize updates the size the writer accepts items at, called
// after a Reset when the scheduler has migrated to a new supernode.
func (w *ServiceWriter) SetPieceSize(size uint32) {
	w.currentPieceSize = size
}

// Failed reports whether a write error has disabled this writer.
func (w *ServiceWriter) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Close flushes and closes the service file, waiting for the target
// writer (if any) to finish too.
func (w *ServiceWriter) Close() {
	if w.acrossWrite <= 0 {
		_ = w.file.Sync()
	}
	close(w.syncCh)
	_ = w.file.Close()

	if w.target != nil {
		w.targetCh <- workitem.Item{Last: true}
		w.target.Wait()
	}
}

func (w *ServiceWriter) runSync() {
	for f := range w.syncCh {
		_ = f.Sync()
		// drain any backlog so a burst of pieces collapses into one sync
		for {
			select {
			case extra, ok := <-w.syncCh:
				if !ok {
					return
				}
				_ = extra.Sync()
			default:
				goto next
			}
		}
	next:
	}
}

// TargetWriter writes pieces directly into the final target file,
// stripping piece framing itself. Used when the service-file hardlink
// couldn't be established for this invocation's target.
type TargetWriter struct {
	file       *os.File
	pieceIndex int
	items      chan workitem.Item
	done       chan struct{}
}

// NewTargetWriter opens dst for writing and starts its consume loop.
func NewTargetWriter(dst string) (*TargetWriter, error) {
	f, err := fileutil.OpenFile(dst, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	t := &TargetWriter{
		file:  f,
		items: make(chan workitem.Item, 8),
		done:  make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Items returns the channel the owning ServiceWriter feeds.
func (t *TargetWriter) Items() chan workitem.Item { return t.items }

// Wait blocks until the target writer has processed its "last" marker
// and closed the file.
func (t *TargetWriter) Wait() { <-t.done }

func (t *TargetWriter) run() {
	failed := false
	for item := range t.items {
		if item.Last {
			_ = t.file.Sync()
			break
		}
		if item.Reset {
			_ = t.file.Truncate(0)
			t.pieceIndex = 0
			continue
		}
		if failed {
			continue
		}

		body := piece.Unframe(item.PieceCont)
		offset := int64(item.PieceNum) * int64(item.PieceSize-5)
		if _, err := t.file.WriteAt(body, offset); err != nil {
			dflog.Errorf("target write item range:%s error:%v", item.Range, err)
			failed = true
			continue
		}
		t.pieceIndex++
		progress.Update(len(body))
	}
	_ = t.file.Close()
	close(t.done)
}
