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

// Package fetcher fetches a single piece from a peer (or the supernode
// itself) over HTTP and verifies it, replacing core/fetcher.py's
// PowerClient (spec.md §4.2 "Piece fetch worker").
package fetcher

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dragonflyoss/dfget/client/ratelimiter"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/client/workitem"
	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/md5utils"
	"github.com/dragonflyoss/dfget/pkg/util/netutil"
)

const chunkSize = 256 * 1024

// rangeNotSatisfiableDesc is the substring that flags a peer reporting
// the classic HTTP 416 condition in its error text.
const rangeNotSatisfiableDesc = "range not satisfiable"

// Fetch runs one piece fetch to completion and returns the Item to push
// onto both the scheduler's main queue and the writer's queue. node is
// the current supernode: a piece whose peer is node itself gets the
// larger read-timeout budget (fetching from the supernode is assumed
// slower than from a peer), skips the TCP reachability probe, and is the
// only case that backs off on a "range not satisfiable" error. taskID and
// node become the resulting Item's TaskID and SuperNode, task.CID its
// DstCID.
func Fetch(taskID, node string, task supernode.PieceTask, limiter *ratelimiter.RateLimiter) workitem.Item {
	pieceMeta := strings.SplitN(task.PieceMD5, ":", 2)
	if len(pieceMeta) != 2 {
		dflog.Errorf("malformed pieceMd5 %q for range %s", task.PieceMD5, task.Range)
		return failItem(taskID, node, task)
	}
	pieceMD5 := pieceMeta[0]
	pieceLen, err := strconv.Atoi(pieceMeta[1])
	if err != nil {
		dflog.Errorf("malformed piece length in pieceMd5 %q: %v", task.PieceMD5, err)
		return failItem(taskID, node, task)
	}

	pieceStart := int64(task.PieceNum) * int64(task.PieceSize)
	pieceEnd := pieceStart + int64(pieceLen) - 1
	realRange := fmt.Sprintf("%d-%d", pieceStart, pieceEnd)

	var readBudget time.Duration
	if task.PeerIP == node {
		readBudget = time.Duration(float64(pieceLen)/(128.0*1024)*float64(time.Second)) + time.Second
	} else {
		readBudget = time.Duration(float64(pieceLen)/(1.5*1024*1024)*float64(time.Second)) + time.Second
	}

	reachable := task.PeerIP == node || netutil.Reachable(task.PeerIP, task.PeerPort, 500*time.Millisecond)
	if !reachable {
		return failItem(taskID, node, task)
	}

	url := fmt.Sprintf("http://%s:%d%s", task.PeerIP, task.PeerPort, task.Path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		dflog.Errorf("build piece request: %v", err)
		return failItem(taskID, node, task)
	}
	req.Header.Set("Range", "bytes="+realRange)
	req.Header.Set("pieceNum", strconv.Itoa(int(task.PieceNum)))
	req.Header.Set("pieceSize", strconv.Itoa(int(task.PieceSize)))

	httpClient := &http.Client{Timeout: readBudget}
	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		logFetchFailure(err, task, node, realRange)
		return failItem(taskID, node, task)
	}
	defer resp.Body.Close()

	chunks, total, err := readChunks(resp.Body, start, readBudget, limiter)
	if err != nil {
		logFetchFailure(err, task, node, realRange)
		return failItem(taskID, node, task)
	}

	computer := md5utils.New()
	for _, c := range chunks {
		computer.Update(c)
	}
	if computer.Sum() != pieceMD5 {
		dflog.Errorf("piece range:%s md5 mismatch real=%s expected=%s peer=%s total=%d",
			task.Range, computer.Sum(), pieceMD5, task.PeerIP, total)
		return failItem(taskID, node, task)
	}

	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		dflog.Warnf("client range:%s cost:%s from peer:%s, cont length:%d", task.Range, elapsed, task.PeerIP, total)
	}

	item := workitem.New(taskID, node, task.CID, task.Range, supernode.ResultSemiSuc, supernode.TaskStatusRunning)
	item.PieceCont = chunks
	item.PieceSize = task.PieceSize
	item.PieceNum = task.PieceNum
	return item
}

func readChunks(body io.Reader, start time.Time, budget time.Duration, limiter *ratelimiter.RateLimiter) ([][]byte, int64, error) {
	var chunks [][]byte
	var total int64
	buf := make([]byte, chunkSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if time.Since(start) > budget {
				return nil, total, fmt.Errorf("read timeout after %s", time.Since(start))
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
			if limiter != nil {
				limiter.Acquire(int64(n), true)
			}
		}
		if err == io.EOF {
			return chunks, total, nil
		}
		if err != nil {
			return nil, total, err
		}
	}
}

func logFetchFailure(err error, task supernode.PieceTask, node, realRange string) {
	dflog.Errorf("read piece cont error:%v from dst:%s", err, task.PeerIP)
	if task.PeerIP == node && strings.Contains(strings.ToLower(err.Error()), rangeNotSatisfiableDesc) {
		sleep := time.Duration(1000+rand.Intn(2000)) * time.Millisecond
		dflog.Infof("sleep %s because range:%s from %s not exist", sleep, realRange, task.PeerIP)
		time.Sleep(sleep)
	}
}

func failItem(taskID, node string, task supernode.PieceTask) workitem.Item {
	return workitem.New(taskID, node, task.CID, task.Range, supernode.ResultFail, supernode.TaskStatusRunning)
}
