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

// Package supervisor is dfget's top-level orchestration: resolve
// bootstrap nodes, pick a reachable one, launch or reuse the local piece
// server, register the task, assert free disk space, run the scheduler,
// and fall back to back-to-source on failure. It replaces core/__init__.py's
// download() entry point (spec.md §5 "Top-level flow").
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dragonflyoss/dfget/client/backsource"
	"github.com/dragonflyoss/dfget/client/config"
	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/scheduler"
	"github.com/dragonflyoss/dfget/client/server"
	"github.com/dragonflyoss/dfget/client/session"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/client/writer"
	"github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/util/fileutil"
	"github.com/dragonflyoss/dfget/pkg/util/netutil"
	"github.com/dragonflyoss/dfget/pkg/util/urlutils"
)

// connectTimeout bounds how long Run waits while probing a candidate
// supernode for reachability, matching DEFAULT_TIMEOUT's connect phase.
const connectTimeout = 2 * time.Second

// minFreeBytes is the free disk space assertSpace requires in DataDir on
// top of the task's file length (fileLength + minFreeBytes), which also
// serves as the floor for zero-length tasks.
const minFreeBytes = 100 * 1024 * 1024

// Run drives one dfget invocation end to end. execPath is the path to
// the dfget binary itself, needed to spawn the detached piece server.
func Run(ctx context.Context, opt *config.ClientOption, execPath string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}

	nodes, err := config.ResolveNodes(opt.Nodes, config.DefaultConfigPath)
	if err != nil {
		return err
	}
	shuffle(nodes)

	sess, node, ip := probeNodes(nodes, homeDir, opt.Output)
	if sess == nil {
		dflog.Errorf("no reachable supernode among: %v", nodes)
		sess = session.New(opt.Output, "", homeDir)
		sess.SetBackReason(errs.ReasonNodeEmpty)
		return runFallback(sess, opt)
	}
	sess.CallSystem = opt.CallSystem
	sess.LocalLimit = opt.LocalLimit
	sess.TotalLimit = opt.TotalLimit

	if err := fileutil.CreateDirectories(sess.DataDir); err != nil {
		sess.SetBackReason(errs.ReasonInitError)
		return runFallback(sess, opt)
	}

	port, err := server.Launch(execPath, sess.UsrHome, sess.TaskFileName, sess.DataDir, opt.TotalLimit)
	if err != nil {
		dflog.Errorf("launch piece server: %v", err)
		sess.SetBackReason(errs.ReasonInitError)
		return runFallback(sess, opt)
	}

	taskURL := urlutils.FilterURLParam(opt.URL, filteredParams(opt))

	// Register with the probed node first, then the others in order.
	others := remainderAfter(nodes, node)
	registerNodes := append([]string{node}, others[:len(others)-1]...)

	sn := supernode.New()
	outcome, err := sn.Register(ctx, registerNodes, supernode.RegisterOptions{
		URL:        opt.URL,
		TaskURL:    taskURL,
		Port:       port,
		HTTPPath:   "/peer/file/" + sess.TaskFileName,
		MD5:        opt.MD5,
		Identifier: opt.Identifier,
		CallSystem: opt.CallSystem,
		CID:        sess.CID,
		IP:         ip,
		HostName:   sess.HostName,
		Headers:    opt.Headers,
		Dfdaemon:   opt.Dfdaemon,
	})
	if err != nil {
		var needAuth *supernode.NeedAuthError
		if errors.As(err, &needAuth) {
			// The supernode demanded auth this client can't provide: the
			// original process exits immediately with status 22, no
			// back-source attempt.
			return needAuth
		}
		dflog.Errorf("register: %v", err)
		sess.SetBackReason(errs.ReasonRegisterFail)
		return runFallback(sess, opt)
	}

	sess.TaskID = outcome.TaskID
	sess.FileLength = outcome.FileLength
	sess.RefreshPieceSize(outcome.PieceSize)
	sess.CommitPieceSize()

	if !assertSpace(sess) {
		sess.SetBackReason(errs.ReasonNoSpace)
		return runFallback(sess, opt)
	}

	w, err := writer.NewServiceWriter(sess.ServiceFile(), sess.TaskFile(), sess.BranchTarget,
		sess.CurrentPieceSize(), sess.CID, sn, outcome.Node, sess.TaskID)
	if err != nil {
		dflog.Errorf("create writer: %v", err)
		sess.SetBackReason(errs.ReasonWriteError)
		return runFallback(sess, opt)
	}

	sched := scheduler.New(sess, sn, w, scheduler.Options{
		Node:       outcome.Node,
		TaskID:     outcome.TaskID,
		Nodes:      remainderAfter(nodes, node),
		URL:        opt.URL,
		TaskURL:    taskURL,
		Port:       port,
		HTTPPath:   "/peer/file/" + sess.TaskFileName,
		MD5:        opt.MD5,
		Identifier: opt.Identifier,
		CallSystem: opt.CallSystem,
		IP:         ip,
		Headers:    opt.Headers,
		Dfdaemon:   opt.Dfdaemon,
	})
	if err := sched.Run(ctx); err != nil {
		var needAuth *supernode.NeedAuthError
		if errors.As(err, &needAuth) {
			// A migration attempt hit a supernode demanding auth: same
			// fatal, no-fallback exit as a NeedAuthError from the initial
			// Register above.
			return needAuth
		}
		dflog.Errorf("scheduler run: %v", err)
		sess.SetBackReason(errs.ReasonDownError)
	}

	if sess.BackReason() != errs.ReasonNone {
		return runFallback(sess, opt)
	}
	return nil
}

// runFallback runs the back-to-source download when the P2P path
// couldn't finish, matching download()'s except clause. Per spec.md §6,
// a back_reason ever having been set makes this invocation exit
// non-zero even when the back-source download itself succeeds in
// retrieving the file, so this always returns a non-nil *errs.NeedBack
// unless the back-source attempt itself errors first.
func runFallback(sess *session.Session, opt *config.ClientOption) error {
	if err := backsource.Run(sess, backsource.Options{
		URL:        opt.URL,
		Target:     opt.Output,
		MD5:        opt.MD5,
		LocalLimit: opt.LocalLimit,
		Headers:    opt.Headers,
		NotBack:    opt.NotBackSource,
	}); err != nil {
		return err
	}
	return &errs.NeedBack{Reason: sess.BackReason()}
}

// probeNodes tries each candidate node in turn (connect probe only, no
// registration) and returns a Session built against the first reachable
// one, along with that node's address and the local IP the probe
// connected from.
func probeNodes(nodes []string, homeDir, output string) (*session.Session, string, string) {
	for _, node := range nodes {
		ip := netutil.CheckConnect(node, supernode.Port, connectTimeout)
		if ip == "" {
			continue
		}
		sess := session.New(output, ip, homeDir)
		hostname, _ := os.Hostname()
		sess.HostName = hostname
		sess.BranchTarget = sess.TaskFile() + ".branch"
		return sess, node, ip
	}
	return nil, "", ""
}

// remainderAfter returns the nodes slice with the already-tried node
// moved to the end, so a subsequent Register retry during migration
// doesn't dial it again first.
func remainderAfter(nodes []string, tried string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != tried {
			out = append(out, n)
		}
	}
	return append(out, tried)
}

func filteredParams(opt *config.ClientOption) []string {
	if opt.Filter == "" {
		return nil
	}
	return splitFilter(opt.Filter)
}

func splitFilter(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			if s[start:i] != "" {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if s[start:] != "" {
		out = append(out, s[start:])
	}
	return out
}

// assertSpace checks that sess.DataDir's filesystem has at least
// fileLength+100MiB free. If not, and the target directory's filesystem
// has at least 2*fileLength+100MiB free, it redirects DataDir into the
// target directory instead of failing outright, matching assert_space's
// "data_dir under target when device differs and has room" fallback.
func assertSpace(sess *session.Session) bool {
	want := sess.FileLength + minFreeBytes
	if usage, err := disk.Usage(filepath.Clean(sess.DataDir)); err == nil && int64(usage.Free) >= want {
		return true
	} else if err != nil {
		dflog.Warnf("disk usage check for %s failed: %v", sess.DataDir, err)
	}

	targetDir := filepath.Dir(sess.RealTarget)
	altWant := 2*sess.FileLength + minFreeBytes
	usage, err := disk.Usage(targetDir)
	if err != nil || int64(usage.Free) < altWant {
		return false
	}

	redirected := filepath.Join(targetDir, ".dfget_data") + string(filepath.Separator)
	if err := fileutil.CreateDirectories(redirected); err != nil {
		return false
	}
	dflog.Infof("redirecting data dir from %s to %s for space", sess.DataDir, redirected)
	sess.DataDir = redirected
	return true
}

func shuffle(nodes []string) {
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
}
