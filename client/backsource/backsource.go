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

// Package backsource is the fallback direct-from-source download path
// taken when the P2P swarm can't finish a task, replacing
// core/fetcher.py's BackDownloader (spec.md §4.5 "Back-to-source
// fallback").
package backsource

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/progress"
	"github.com/dragonflyoss/dfget/client/ratelimiter"
	"github.com/dragonflyoss/dfget/client/session"
	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/fileutil"
)

// defaultRate is used when no --locallimit was set, matching
// BackDownloader.run's "10 * 1024 * 1024" fallback.
const defaultRate = 10 * 1024 * 1024

var headerSplitter = regexp.MustCompile(`\s*:\s*`)

// Options carries the fields BackDownloader needs beyond the session.
type Options struct {
	URL        string
	Target     string
	MD5        string
	LocalLimit int64
	Headers    []string
	NotBack    bool
}

// Run performs (or declines) the back-to-source download. If opts.NotBack
// is set, or the session's back reason is already ReasonNoSpace, it
// declines and adds the +1000 addition to the back reason instead of
// downloading, matching BackDownloader.run's guard.
func Run(sess *session.Session, opts Options) error {
	if opts.NotBack || sess.BackReason() == errs.ReasonNoSpace {
		dflog.Infof("download fail and not back source")
		sess.AddBackReasonAddition()
		return nil
	}

	dflog.Infof("start download %s from the source station", filepath.Base(opts.Target))
	progress.PrintInfo("download from source")
	progress.Reset()

	limiter := ratelimiter.New(rateOrDefault(opts.LocalLimit))

	tmpPath := filepath.Join(filepath.Dir(opts.Target), filepath.Base(opts.Target)+"."+uuid.NewString()+".backsource")
	f, err := fileutil.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open backsource temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	req, err := http.NewRequest(http.MethodGet, opts.URL, nil)
	if err != nil {
		f.Close()
		return fmt.Errorf("build backsource request: %w", err)
	}
	for k, v := range fillHeaders(opts.Headers) {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 0} // socket.setdefaulttimeout(None): no overall deadline
	resp, err := client.Do(req)
	if err != nil {
		f.Close()
		return fmt.Errorf("backsource request: %w", err)
	}
	defer resp.Body.Close()

	hash := md5.New()
	var total int64
	buf := make([]byte, 512*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if opts.MD5 != "" {
				hash.Write(buf[:n])
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return fmt.Errorf("write backsource content: %w", werr)
			}
			progress.Update(n)
			limiter.Acquire(int64(n), true)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return fmt.Errorf("read backsource response: %w", rerr)
		}
	}
	f.Close()

	if opts.MD5 != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); got != opts.MD5 {
			return &errs.Md5NotMatchError{Real: got, Expected: opts.MD5}
		}
	}

	return fileutil.MoveFile(tmpPath, opts.Target, "")
}

func rateOrDefault(localLimit int64) int64 {
	if localLimit > 0 {
		return localLimit
	}
	return defaultRate
}

// fillHeaders turns "Name: value" flag strings into a header map,
// folding repeats of the same name with a comma, matching fill_headers().
func fillHeaders(raw []string) map[string]string {
	out := map[string]string{}
	for _, h := range raw {
		parts := headerSplitter.Split(h, 2)
		if len(parts) != 2 {
			continue
		}
		name, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if existing, ok := out[name]; ok {
			if value != "" {
				out[name] = existing + "," + value
			}
		} else {
			out[name] = value
		}
	}
	return out
}
