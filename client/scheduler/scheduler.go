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

// Package scheduler drives the P2P download of a single task: it pulls
// piece-task batches from the current supernode, fans work out to the
// fetcher, and feeds completed pieces to the writer, migrating to a new
// supernode or falling back to back-to-source when the swarm can't keep
// going. It replaces core/fetcher.py's P2PDownloader (spec.md §4
// "Scheduler").
package scheduler

import (
	"context"
	"errors"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/fetcher"
	"github.com/dragonflyoss/dfget/client/ratelimiter"
	"github.com/dragonflyoss/dfget/client/session"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/client/workitem"
	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/netutil"
)

// queueClientSize matches QU_CLIENT_SIZE's backpressure on the writer
// channel.
const queueClientSize = 6

// rateRefreshInterval is how often Scheduler re-probes the local piece
// server for an apportioned rate, matching pull_rate's 3-second gate.
const rateRefreshInterval = 3 * time.Second

// Writer is the subset of writer.ServiceWriter the scheduler drives,
// declared as an interface so tests can substitute a stub that never
// touches disk.
type Writer interface {
	Write(ctx context.Context, item workitem.Item)
	Reset()
	SetPieceSize(size uint32)
	AcrossWrite() bool
	Failed() bool
	Close()
}

// Options carries the per-task identity the scheduler needs beyond the
// session (the fields P2PDownloader.__init__ takes as constructor args).
type Options struct {
	Node       string
	TaskID     string
	Nodes      []string // remaining bootstrap nodes for migration
	URL        string
	TaskURL    string
	Port       int
	HTTPPath   string
	MD5        string
	Identifier string
	CallSystem string
	IP         string
	Headers    []string
	Dfdaemon   bool
}

// Scheduler is created fresh for every dfget invocation.
type Scheduler struct {
	sess   *session.Session
	sn     *supernode.Client
	writer Writer

	node, taskID string
	nodes        []string
	url, taskURL, httpPath string
	md5, identifier        string
	callSystem, ip         string
	headers                []string
	dfdaemon               bool
	port                   int

	queue chan workitem.Item

	running mapset.Set[string]
	success mapset.Set[string]

	rateLimiter  *ratelimiter.RateLimiter
	pullRateTime time.Time

	total int64
}

// New builds a Scheduler with its first queued item (TASK_STATUS_START),
// matching the constructor's initial self.qu.put(...).
func New(sess *session.Session, sn *supernode.Client, w Writer, opts Options) *Scheduler {
	s := &Scheduler{
		sess:       sess,
		sn:         sn,
		writer:     w,
		node:       opts.Node,
		taskID:     opts.TaskID,
		nodes:      opts.Nodes,
		url:        opts.URL,
		taskURL:    opts.TaskURL,
		httpPath:   opts.HTTPPath,
		md5:        opts.MD5,
		identifier: opts.Identifier,
		callSystem: opts.CallSystem,
		ip:         opts.IP,
		headers:    opts.Headers,
		dfdaemon:   opts.Dfdaemon,
		port:       opts.Port,
		queue:      make(chan workitem.Item, 64),
		running:    mapset.NewSet[string](),
		success:    mapset.NewSet[string](),
	}
	s.queue <- workitem.DefaultNew(opts.TaskID, opts.Node)
	return s
}

// Run drives the scheduler to completion: either the task finishes and
// the service/target file is moved to its real target, or an
// unrecoverable condition sets the session's back reason and the caller
// is expected to fall through to client/backsource. Run returns nil in
// both cases; callers check sess.BackReason() to learn which happened.
func (s *Scheduler) Run(ctx context.Context) error {
	var latest *workitem.Item

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		goNext, item := s.getItem(ctx, latest)
		latest = nil
		if !goNext {
			continue
		}

		result, err := s.sn.PullPieceTask(ctx, supernode.PullPieceTaskOptions{
			Node:   s.node,
			TaskID: item.TaskID,
			CID:    s.sess.CID,
			SrcCID: s.sess.CID,
			Range:  item.Range,
			Status: item.Status,
			DstCID: item.DstCID,
		})
		if err != nil {
			dflog.Warnf("pull piece task transport error, attempting migration: %v", err)
			migrated, migErr := s.migrate(ctx)
			if migErr != nil {
				return migErr
			}
			if migrated {
				continue
			}
			dflog.Errorf("p2p fail: %v", err)
			s.sess.SetBackReason(errs.ReasonDownError)
			return nil
		}

		switch result.Code {
		case supernode.TaskCodeContinue:
			if err := s.processPiece(ctx, result, item); err != nil {
				dflog.Errorf("process piece: %v", err)
				s.sess.SetBackReason(errs.ReasonDownError)
				return nil
			}
		case supernode.TaskCodeFinish:
			return s.finishTask(ctx, result)
		default:
			dflog.Warnf("request piece task result code:%d", result.Code)
			migrated, migErr := s.migrate(ctx)
			if migErr != nil {
				return migErr
			}
			if migrated {
				continue
			}
			if result.Code == supernode.TaskCodeSourceError {
				s.sess.SetBackReason(errs.ReasonSourceError)
			} else {
				s.sess.SetBackReason(errs.ReasonDownError)
			}
		}

		if s.sess.BackReason() != errs.ReasonNone {
			return nil
		}
	}
}

// migrate tries each remaining bootstrap node in turn, consuming it from
// s.nodes, and adopts the first one that accepts registration as the new
// current supernode, matching pull_piece_task's migration responsibility
// (spec.md §4.3's mandatory third condition). It reports whether a node
// was adopted; once s.nodes is exhausted it reports false so the caller
// gives up and sets a back reason. A NeedAuthError from any node is
// fatal and returned immediately rather than skipped, the same
// short-circuit Register itself applies within a single call.
func (s *Scheduler) migrate(ctx context.Context) (bool, error) {
	for len(s.nodes) > 0 {
		node := s.nodes[0]
		s.nodes = s.nodes[1:]

		outcome, err := s.sn.Register(ctx, []string{node}, supernode.RegisterOptions{
			URL:        s.url,
			TaskURL:    s.taskURL,
			Port:       s.port,
			HTTPPath:   s.httpPath,
			MD5:        s.md5,
			Identifier: s.identifier,
			CallSystem: s.callSystem,
			CID:        s.sess.CID,
			IP:         s.ip,
			HostName:   s.sess.HostName,
			Headers:    s.headers,
			Dfdaemon:   s.dfdaemon,
		})
		if err != nil {
			var needAuth *supernode.NeedAuthError
			if errors.As(err, &needAuth) {
				return false, needAuth
			}
			dflog.Warnf("migrate register to %s failed: %v", node, err)
			continue
		}

		dflog.Infof("migrated to supernode %s, remaining nodes:%v", outcome.Node, s.nodes)
		s.node = outcome.Node
		s.taskID = outcome.TaskID
		s.sess.RefreshPieceSize(outcome.PieceSize)
		return true, nil
	}
	return false, nil
}

// getItem pulls the next item off the queue (2s timeout), applies the
// running/success bookkeeping, and decides whether to merge several
// completions into a single upcoming pull-task request rather than
// firing one per piece, matching get_item.
func (s *Scheduler) getItem(ctx context.Context, latest *workitem.Item) (bool, *workitem.Item) {
	needMerge := true

	select {
	case item := <-s.queue:
		if item.PieceSize != 0 && item.PieceSize != s.sess.CurrentPieceSize() {
			return false, latest
		}

		if item.SuperNode != s.node {
			item.DstCID = ""
			item.SuperNode = s.node
			item.TaskID = s.taskID
		}

		if item.Range != "" {
			switch {
			case s.running.Contains(item.Range):
				s.running.Remove(item.Range)
			case !s.success.Contains(item.Range):
				dflog.Warnf("pieceRange:%s not in runningSet and successSet", item.Range)
				return false, latest
			}
			if item.Result == supernode.ResultSuc || item.Result == supernode.ResultSemiSuc {
				if !s.success.Contains(item.Range) {
					for _, c := range item.PieceCont {
						s.total += int64(len(c))
					}
					s.success.Add(item.Range)
				}
			}
		}
		latest = &item

	case <-time.After(2 * time.Second):
		dflog.Warnf("get item timeout(2s) from queue")
		needMerge = false

	case <-ctx.Done():
		return false, latest
	}

	if latest == nil {
		return false, latest
	}
	if latest.Result == supernode.ResultSuc || latest.Result == supernode.ResultFail || latest.Result == supernode.ResultInvalid {
		needMerge = false
	}
	if needMerge && (len(s.queue) > 0 || s.running.Cardinality() > 2) {
		return false, latest
	}
	return true, latest
}

// processPiece applies a migration if one is pending, then dispatches a
// fetcher goroutine for every piece task the supernode just handed back
// that isn't already satisfied, matching process_piece.
func (s *Scheduler) processPiece(ctx context.Context, result *supernode.PullResult, curItem *workitem.Item) error {
	s.refresh(curItem)

	pieces, err := result.Pieces()
	if err != nil {
		return err
	}

	hasTask := false
	sucCount := 0
	for _, task := range pieces {
		if s.success.Contains(task.Range) {
			sucCount++
			s.queue <- workitem.Item{
				TaskID: s.taskID, SuperNode: s.node, DstCID: task.CID, Range: task.Range,
				Result: supernode.ResultSemiSuc, Status: supernode.TaskStatusRunning,
			}
			continue
		}
		if !s.running.Contains(task.Range) {
			s.running.Add(task.Range)
			s.pullRate(task)
			s.startTask(ctx, task)
			hasTask = true
		}
	}
	if !hasTask {
		dflog.Warnf("has not available pieceTask, maybe resource lack")
	}
	if sucCount > 0 {
		dflog.Warnf("already suc item count:%d after a request super", sucCount)
	}
	return nil
}

// startTask runs one piece fetch in its own goroutine, pushing the
// result onto both the writer and the scheduler's own queue, matching
// PowerClient's thread.
func (s *Scheduler) startTask(ctx context.Context, task supernode.PieceTask) {
	go func() {
		item := fetcher.Fetch(s.taskID, s.node, task, s.rateLimiter)
		s.writer.Write(ctx, item)
		s.queue <- item
	}()
}

// pullRate re-probes the local piece server for this task's apportioned
// rate at most once every rateRefreshInterval, matching pull_rate.
func (s *Scheduler) pullRate(task supernode.PieceTask) {
	if !s.pullRateTime.IsZero() && time.Since(s.pullRateTime) <= rateRefreshInterval {
		return
	}

	localRate := s.sess.LocalLimit
	if localRate == 0 && task.DownLink != "" {
		if n, err := parseDownLink(task.DownLink); err == nil {
			localRate = n * 1024
		}
	}

	if reqRate, err := netutil.RequestLocalRate(s.port, s.sess.TaskFileName, localRate); err == nil && reqRate > 0 {
		localRate = reqRate
	}

	if s.rateLimiter == nil {
		s.rateLimiter = ratelimiter.New(localRate)
	} else {
		s.rateLimiter.Refresh(localRate)
	}
	s.pullRateTime = time.Now()
}

// refresh applies a pending piece-size migration (truncating the writer
// and clearing the running/success sets) and adopts a new current
// supernode, matching refresh.
func (s *Scheduler) refresh(curItem *workitem.Item) {
	if s.sess.PieceSizeChanged() {
		s.sess.CommitPieceSize()
		s.writer.Reset()
		s.writer.SetPieceSize(s.sess.CurrentPieceSize())
		s.success.Clear()
		s.running.Clear()
		s.total = 0
	}
	if s.node != curItem.SuperNode {
		s.node = curItem.SuperNode
		s.taskID = curItem.TaskID
	}
}

// finishTask closes the writer, checks whether a write error raced the
// finish notice, and moves the assembled file to its real target.
func (s *Scheduler) finishTask(ctx context.Context, result *supernode.PullResult) error {
	s.writer.Close()

	if s.writer.Failed() {
		s.sess.SetBackReason(errs.ReasonWriteError)
	}
	if s.sess.BackReason() != errs.ReasonNone {
		return nil
	}

	superMD5, err := result.FinishMD5()
	if err != nil {
		return err
	}
	dflog.Infof("super down md5:%s", superMD5)

	src := s.sess.TaskFile()
	if s.writer.AcrossWrite() {
		src = s.sess.BranchTarget
	} else if _, err := os.Stat(src); err != nil {
		dflog.Warnf("client file path:%s not found", src)
	}

	if err := moveToTarget(src, s.sess.RealTarget, superMD5); err != nil {
		return err
	}
	dflog.Infof("download successfully from dragonfly")
	return nil
}
