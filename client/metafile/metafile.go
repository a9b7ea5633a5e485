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

// Package metafile persists the small piece of state that must survive
// across dfget invocations on the same host: the piece server's reused
// listening port. It replaces component/metafile.py's pickle-plus-SHA1
// scheme with gob-plus-SHA1 (spec.md §8 "Persistent host metadata").
package metafile

import (
	"bytes"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/fileutil"
)

const signLen = 40 // hex-encoded SHA1

// Data is the cached host metadata, keyed loosely after the Python
// dict's entries. ServicePort of 0 means "no server currently
// registered" (the zero value is never itself a valid listening port).
type Data struct {
	ServicePort int
}

// MetaFile reads and writes Data to path, guarding it with a leading
// SHA1 signature of the encoded payload so a half-written or corrupted
// file is detected and discarded rather than trusted. tag identifies
// the caller for logging only (e.g. "checkService", "finishService"),
// mirroring the Python class's constructor argument.
type MetaFile struct {
	Path string
	Tag  string
}

// New returns a MetaFile bound to path for the given caller tag.
func New(path, tag string) *MetaFile {
	return &MetaFile{Path: path, Tag: tag}
}

// Load reads Data from disk. A missing file (which Load creates empty), a
// truncated signature, or a signature mismatch all yield the zero Data,
// and no error is reported to the caller: a corrupt
// cache is not fatal, it just means dfget re-probes instead of reusing
// state, matching the Python implementation's blanket except-and-log.
func (m *MetaFile) Load() Data {
	f, err := os.OpenFile(m.Path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		dflog.Warnf("open meta file for tag %s: %v", m.Tag, err)
		return Data{}
	}
	defer f.Close()

	sign := make([]byte, signLen)
	n, err := io.ReadFull(f, sign)
	if err != nil || n != signLen {
		return Data{}
	}

	cont, err := io.ReadAll(f)
	if err != nil {
		dflog.Warnf("read meta file for tag %s: %v", m.Tag, err)
		return Data{}
	}
	if len(cont) == 0 {
		return Data{}
	}

	sum := sha1.Sum(cont)
	if hex.EncodeToString(sum[:]) != string(sign) {
		dflog.Warnf("meta sign not match for tag %s", m.Tag)
		return Data{}
	}

	var d Data
	if err := gob.NewDecoder(bytes.NewReader(cont)).Decode(&d); err != nil {
		dflog.Warnf("decode meta file for tag %s: %v", m.Tag, err)
		return Data{}
	}
	return d
}

// Dump writes Data to disk with its SHA1 signature prefix, truncating
// any previous content.
func (m *MetaFile) Dump(d Data) error {
	if err := fileutil.CreateDirectories(filepath.Dir(m.Path)); err != nil {
		return errors.Wrapf(err, "create meta dir for tag %s", m.Tag)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return errors.Wrapf(err, "encode meta file for tag %s", m.Tag)
	}
	sum := sha1.Sum(buf.Bytes())

	f, err := os.OpenFile(m.Path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "open meta file for tag %s", m.Tag)
	}
	defer f.Close()

	if _, err := f.WriteString(hex.EncodeToString(sum[:])); err != nil {
		return errors.Wrapf(err, "write meta sign for tag %s", m.Tag)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "write meta body for tag %s", m.Tag)
	}
	return nil
}
