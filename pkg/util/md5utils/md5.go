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

// Package md5utils computes MD5 digests incrementally over piece bodies
// or whole files, mirroring component/md5computer.py's Md5Computer.
package md5utils

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// Computer accumulates an MD5 digest across repeated Update calls.
type Computer struct {
	h hash.Hash
}

func New() *Computer {
	return &Computer{h: md5.New()}
}

func (c *Computer) Update(data []byte) {
	if len(data) == 0 {
		return
	}
	c.h.Write(data)
}

func (c *Computer) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// File computes the MD5 of the file at path in 4MiB chunks.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 4*1024*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
