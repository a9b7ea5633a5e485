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

// Package server is the embedded HTTP piece server every dfget
// invocation on a host shares: it serves framed piece ranges to peers
// and answers the small local control API (check/rate/finish) that a
// newly-started invocation uses to decide whether to reuse it. It
// replaces core/server.py's P2PServer and SimpleHttpRequestHandler
// (spec.md §4.4 "Piece server").
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	headers "github.com/go-http-utils/headers"
	"github.com/mitchellh/mapstructure"

	"github.com/dragonflyoss/dfget/client/piece"
	"github.com/dragonflyoss/dfget/client/ratelimiter"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/fileutil"
)

const clientVersion = "2.0.0"

const (
	peerHTTPPathPrefix = "/peer/file/"
	localPathCheck     = "/check/"
	localPathRate      = "/rate/"
	localPathClient    = "/client/"

	addrUsedDesc = "address already in use"
)

// Server is the piece server: it owns the live TaskMap and the one
// server-wide total-limit rate limiter shared across every task being
// uploaded.
type Server struct {
	tasks    *TaskMap
	snClient *supernode.Client

	aliveCh chan struct{}

	rlMu        sync.Mutex
	totalLimiter *ratelimiter.RateLimiter

	httpSrv *http.Server
}

// New builds a Server with an empty task registry.
func New(snClient *supernode.Client) *Server {
	return &Server{
		tasks:    NewTaskMap(),
		snClient: snClient,
		aliveCh:  make(chan struct{}, 64),
	}
}

// AliveChannel is consumed by the idle reaper to learn the server is
// still being used.
func (s *Server) AliveChannel() <-chan struct{} { return s.aliveCh }

func (s *Server) markAlive() {
	select {
	case s.aliveCh <- struct{}{}:
	default:
	}
}

// Handler builds the request router. Both the piece-serving path and the
// local control paths share one mux; a real deployment puts one listener
// in front of both, as the original does (the local control API is only
// ever dialed over loopback, but nothing here enforces that at the
// transport layer beyond the usual firewalling expectation).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(peerHTTPPathPrefix, s.handleUpload)
	mux.HandleFunc(localPathRate, s.handleRate)
	mux.HandleFunc(localPathCheck, s.handleCheck)
	mux.HandleFunc(localPathClient+"finish", s.handleFinish)
	return mux
}

// Serve starts the HTTP server on addr (host:port) and blocks until it
// stops or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// AddressInUse reports whether err looks like the "address already in
// use" condition. launch.go's choosePort does not consult it: any failure
// to bind the seeded port falls back to freeport.
func AddressInUse(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), addrUsedDesc)
}

func taskFileNameFromPath(prefix, path string) string {
	return strings.TrimPrefix(path, prefix)
}

// handleUpload serves one framed piece range: "GET /peer/file/<TFN>"
// with a Range header and pieceNum/pieceSize headers, matching upload().
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	taskFileName := taskFileNameFromPath(peerHTTPPathPrefix, r.URL.Path)

	_, pieceSize, start, end, err := parseUploadHeaders(r)
	if err != nil {
		dflog.ServerErrorf("parse upload headers for %s: %v", taskFileName, err)
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	readLen := end - start + 1

	entry := s.tasks.Read(taskFileName)
	if entry == nil {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	taskPath := taskFile(taskFileName, entry.DataDir)

	f, err := fileutil.OpenFile(taskPath, os.O_RDONLY, 0)
	if err != nil {
		dflog.ServerErrorf("file %s not found: %v", taskPath, err)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	s.markAlive()

	w.Header().Set(headers.ContentType, "application/octet-stream")
	w.Header().Set(headers.ContentLength, strconv.FormatInt(int64(readLen+piece.HeaderLen+1), 10))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	header := piece.EncodeHeader(uint32(readLen+piece.HeaderLen+1), pieceSize)
	if _, err := w.Write(header); err != nil {
		return
	}

	if _, err := f.Seek(int64(start), 0); err != nil {
		dflog.ServerErrorf("seek %s: %v", taskPath, err)
		return
	}

	var total int64
	buf := make([]byte, 256*1024)
	remaining := int64(readLen)
	s.rlMu.Lock()
	limiter := s.totalLimiter
	s.rlMu.Unlock()

	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := f.Read(chunk)
		if n > 0 {
			if limiter != nil {
				limiter.Acquire(int64(n), true)
			}
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return
			}
			total += int64(n)
			remaining -= int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if total == 0 {
				dflog.ServerErrorf("range %d-%d content is empty", start, end)
			}
			break
		}
	}

	w.Write([]byte{piece.Trailer})
}

func parseUploadHeaders(r *http.Request) (pieceNum, pieceSize uint32, start, end int64, err error) {
	rangeHeader := r.Header.Get(headers.Range)
	if rangeHeader == "" {
		return 0, 0, 0, 0, fmt.Errorf("missing Range header")
	}
	rangeStr := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.SplitN(rangeStr, "-", 2)
	if len(parts) != 2 {
		return 0, 0, 0, 0, fmt.Errorf("malformed range %q", rangeHeader)
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	if pn := r.Header.Get("pieceNum"); pn != "" {
		n, _ := strconv.Atoi(pn)
		pieceNum = uint32(n)
	}
	if ps := r.Header.Get("pieceSize"); ps != "" {
		n, _ := strconv.Atoi(ps)
		pieceSize = uint32(n)
	}

	pieceLen := e - s + 1
	s -= int64(pieceNum) * 5
	e = s + (pieceLen - 5) - 1
	return pieceNum, pieceSize, s, e, nil
}

// controlParams is the permissive JSON object the local control paths
// (check/rate) expect in the "param" header, decoded loosely via
// mapstructure since different call sites populate different subsets.
type controlParams struct {
	TaskFileName string `mapstructure:"taskFileName"`
	DataDir      string `mapstructure:"dataDir"`
	TotalLimit   int64  `mapstructure:"totalLimit"`
	RateLimit    int64  `mapstructure:"rateLimit"`
	TaskID       string `mapstructure:"taskId"`
	CID          string `mapstructure:"cid"`
	SuperNode    string `mapstructure:"superNode"`
}

func decodeParamHeader(r *http.Request) (controlParams, error) {
	var raw map[string]interface{}
	var out controlParams
	header := r.Header.Get("param")
	if header == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(header), &raw); err != nil {
		return out, err
	}
	if err := mapstructure.Decode(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// handleCheck answers a newly-starting invocation's reuse probe,
// recording (or refreshing) the server-wide total limit and the task's
// bookkeeping, matching check().
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.markAlive()

	params, err := decodeParamHeader(r)
	if err != nil {
		http.Error(w, "bad param header", http.StatusBadRequest)
		return
	}
	taskFileName := taskFileNameFromPath(localPathCheck, r.URL.Path)

	if params.TotalLimit > 0 {
		s.rlMu.Lock()
		if s.totalLimiter == nil {
			s.totalLimiter = ratelimiter.New(params.TotalLimit)
		} else {
			s.totalLimiter.Refresh(params.TotalLimit)
		}
		s.rlMu.Unlock()
		s.tasks.SetTotalLimit(params.TotalLimit)
		dflog.ServerInfof("update total limit to %d", params.TotalLimit)
	}

	s.tasks.Update(taskFileName, func(e *TaskEntry) {
		e.TaskFileName = taskFileName
		e.DataDir = params.DataDir
		e.RateLimit = 0
		e.Finished = false
	})

	w.Header().Set(headers.ContentType, "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s@%s", taskFileName, clientVersion)
}

// handleRate answers a running downloader's periodic rate refresh,
// returning the (possibly apportioned) byte rate it should use next,
// matching parse_rate().
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	s.markAlive()

	params, err := decodeParamHeader(r)
	if err != nil {
		http.Error(w, "bad param header", http.StatusBadRequest)
		return
	}
	taskFileName := taskFileNameFromPath(localPathRate, r.URL.Path)

	s.tasks.Update(taskFileName, func(e *TaskEntry) {
		e.RateLimit = params.RateLimit
	})

	w.Header().Set(headers.ContentType, "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s.tasks.ParseRate(taskFileName))
}

// handleFinish marks a task's download as complete (so the GC sweep
// knows it's eligible for its shorter expiry window), matching
// one_finish(). The supernode-facing fields are recorded asynchronously
// in the original; here the HTTP response simply returns once the map
// update (an in-process, effectively instant operation) is applied.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParamHeader(r)
	if err != nil {
		http.Error(w, "bad param header", http.StatusBadRequest)
		return
	}

	s.tasks.Update(params.TaskFileName, func(e *TaskEntry) {
		e.TaskID = params.TaskID
		e.CID = params.CID
		e.SuperNode = params.SuperNode
		e.RateLimit = 0
		e.Finished = true
	})

	w.Header().Set(headers.ContentType, "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "success")
}

func taskFile(taskFileName, dataDir string) string {
	return dataDir + taskFileName
}
