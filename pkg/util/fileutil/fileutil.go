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

// Package fileutil holds filesystem helpers for the download/serve
// engine: directory creation, hardlinking, copy-fallback move and MD5
// verification, mirroring component/fileutil.py.
package fileutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/dfget/pkg/util/md5utils"
)

// CreateDirectories makes dirPath (and parents) if it does not exist.
func CreateDirectories(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		if err := os.MkdirAll(dirPath, 0755); err != nil {
			return errors.Wrapf(err, "create dir %s", dirPath)
		}
	}

	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		return errors.Errorf("create dir %s: not a directory", dirPath)
	}
	return nil
}

// DeleteFile removes path if it is a regular file. It is not an error for
// path to already be absent.
func DeleteFile(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	return os.Remove(path)
}

// OpenFile opens path with the given flag and perm, creating parent
// directories first.
func OpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil, errors.Errorf("open file %s: is a directory", path)
	}
	if err := CreateDirectories(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

// Link hardlinks src to linkName, removing any previous file at linkName.
// Returns false (no error) when the link could not be created, matching
// do_link's "try, and let the caller fall back" contract.
func Link(src, linkName string) bool {
	if err := DeleteFile(linkName); err != nil {
		return false
	}
	if err := os.Link(src, linkName); err != nil {
		return false
	}
	return true
}

// CopyFile copies src to dst in 8MiB chunks.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open src %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "open dst %s", dst)
	}
	defer out.Close()

	buf := make([]byte, 8*1024*1024)
	_, err = io.CopyBuffer(out, in, buf)
	return err
}

// MoveFile renames src to dst, falling back to copy+delete across
// filesystems. If expectMD5 is non-empty, src's MD5 is verified first and
// an Md5Mismatch error is returned on mismatch, without moving anything.
func MoveFile(src, dst, expectMD5 string) error {
	if expectMD5 != "" {
		realMD5, err := md5utils.File(src)
		if err != nil {
			return errors.Wrapf(err, "md5 of %s", src)
		}
		if realMD5 != expectMD5 {
			return &Md5MismatchError{Real: realMD5, Expected: expectMD5}
		}
	}

	_ = DeleteFile(dst)
	if err := os.Rename(src, dst); err != nil {
		if copyErr := CopyFile(src, dst); copyErr != nil {
			return errors.Wrapf(copyErr, "rename %s to %s failed (%s), copy fallback also failed", src, dst, err)
		}
		_ = os.Remove(src)
	}

	if info, err := os.Stat(dst); err != nil || info.IsDir() {
		return errors.Errorf("%s is not a regular file after move", dst)
	}
	return nil
}

// Md5MismatchError signals MoveFile's pre-move digest check failed.
type Md5MismatchError struct {
	Real     string
	Expected string
}

func (e *Md5MismatchError) Error() string {
	return "md5 mismatch: real=" + e.Real + " expected=" + e.Expected
}
