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
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TaskEntry is the per-task-file-name metadata the piece server tracks
// between a peer's "check", "rate", "upload", and "finish" calls,
// replacing server.py's SyncTaskMap dict-of-dicts.
type TaskEntry struct {
	TaskFileName string
	DataDir      string
	RateLimit    int64
	Finished     bool

	TaskID    string
	CID       string
	SuperNode string
}

// TaskMap is the server's live task registry. Entries expire on their
// own after idleEntryTTL of disuse so a crashed peer's bookkeeping can't
// leak forever, on top of the explicit Delete the GC loop performs once
// a task's backing file is reclaimed.
type TaskMap struct {
	cache *ttlcache.Cache[string, *TaskEntry]

	mu         sync.Mutex
	totalLimit int64
}

const idleEntryTTL = time.Hour

// NewTaskMap builds an empty registry and starts its background
// expiration sweep.
func NewTaskMap() *TaskMap {
	cache := ttlcache.New[string, *TaskEntry](
		ttlcache.WithTTL[string, *TaskEntry](idleEntryTTL),
	)
	go cache.Start()
	return &TaskMap{cache: cache}
}

// Read fetches an entry, returning nil if absent.
func (m *TaskMap) Read(taskFileName string) *TaskEntry {
	item := m.cache.Get(taskFileName)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Has reports whether taskFileName is currently tracked.
func (m *TaskMap) Has(taskFileName string) bool {
	return m.cache.Get(taskFileName) != nil
}

// Update merges fields into an existing entry or creates one, matching
// SyncTaskMap.update's shallow dict-merge semantics. fn mutates a copy
// of the current entry (or a zero-value one) in place.
func (m *TaskMap) Update(taskFileName string, fn func(e *TaskEntry)) {
	entry := m.Read(taskFileName)
	if entry == nil {
		entry = &TaskEntry{TaskFileName: taskFileName}
	} else {
		clone := *entry
		entry = &clone
	}
	fn(entry)
	m.cache.Set(taskFileName, entry, ttlcache.DefaultTTL)
}

// Delete drops taskFileName's entry, used once its backing file has been
// garbage collected.
func (m *TaskMap) Delete(taskFileName string) {
	m.cache.Delete(taskFileName)
}

// Keys returns a snapshot of every currently tracked task file name.
func (m *TaskMap) Keys() []string {
	items := m.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys
}

// SetTotalLimit records the server-wide upload rate cap used by
// ParseRate's apportionment.
func (m *TaskMap) SetTotalLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalLimit = limit
}

// ParseRate returns the rate (as a decimal string, or "" if unset) this
// task should currently be allowed, apportioning the server's total
// limit across every tracked task's requested rate when the sum would
// exceed it (SyncTaskMap.parse_rate).
func (m *TaskMap) ParseRate(taskFileName string) string {
	entry := m.Read(taskFileName)
	if entry == nil || entry.RateLimit <= 0 {
		return ""
	}

	m.mu.Lock()
	totalLimit := m.totalLimit
	m.mu.Unlock()
	if totalLimit <= 0 {
		return strconv.FormatInt(entry.RateLimit, 10)
	}

	var sum int64
	items := m.cache.Items()
	for _, item := range items {
		sum += item.Value().RateLimit
	}
	if sum <= totalLimit {
		return strconv.FormatInt(entry.RateLimit, 10)
	}

	apportioned := (entry.RateLimit*totalLimit + sum - 1) / sum
	return strconv.FormatInt(apportioned, 10)
}
