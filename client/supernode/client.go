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

package supernode

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/dfget/pkg/dflog"
)

const clientVersion = "2.0.0"

// NeedAuthError is returned when a supernode reports TaskCodeNeedAuth; the
// original process exits with status 22 on this condition.
type NeedAuthError struct{ Node string }

func (e *NeedAuthError) Error() string { return "supernode " + e.Node + " requires auth" }

// Client talks the supernode session protocol over HTTP. One Client is
// shared by the whole process; it holds no mutable session state.
type Client struct {
	http *http.Client
}

// New builds a Client with a single 5s overall timeout per request,
// applied to every call alike. There is no separate connect timeout and
// no automatic retry of a failed request.
func New() *Client {
	return &Client{
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// RegisterOptions carries the fields httputil.py's register() posts.
type RegisterOptions struct {
	URL        string
	TaskURL    string
	Port       int
	HTTPPath   string
	MD5        string
	Identifier string
	CallSystem string
	CID        string
	IP         string
	HostName   string
	Headers    []string
	Dfdaemon   bool
}

// RegisterOutcome is what a successful Register returns: the node that
// accepted registration, and the task's identity.
type RegisterOutcome struct {
	Node       string
	TaskID     string
	FileLength int64
	PieceSize  uint32
}

// Register tries each node in turn, front to back (like the original's
// nodes.pop(0); the caller's slice itself is left unchanged), until one
// accepts, handling the wait-auth
// retry loop per node. A NeedAuthError short-circuits immediately: the
// original calls sys.exit(22) rather than trying further nodes.
func (c *Client) Register(ctx context.Context, nodes []string, opts RegisterOptions) (RegisterOutcome, error) {
	var errs error

	for len(nodes) > 0 {
		node := nodes[0]
		nodes = nodes[1:]

		dflog.Infof("do register to %s, remainder:%v", node, nodes)

		result, err := c.registerOnce(ctx, node, opts)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "register to node %s", node))
			continue
		}

		if result.Code == TaskCodeNeedAuth {
			return RegisterOutcome{}, &NeedAuthError{Node: node}
		}
		if result.Code == Success {
			dflog.Infof("register result code=%d from node %s", result.Code, node)
			return RegisterOutcome{
				Node:       node,
				TaskID:     result.Data.TaskID,
				FileLength: result.Data.FileLength,
				PieceSize:  result.Data.PieceSize,
			}, nil
		}
		errs = multierror.Append(errs, errors.Errorf("register to %s: unexpected code %d", node, result.Code))
	}

	if errs == nil {
		errs = errors.New("no supernode addresses left to try")
	}
	return RegisterOutcome{}, errs
}

// registerOnce posts to one node, looping on TASK_CODE_WAIT_AUTH the way
// the original's inner while-True does.
func (c *Client) registerOnce(ctx context.Context, node string, opts RegisterOptions) (*RegisterResult, error) {
	form := url.Values{}
	form.Set("rawUrl", opts.URL)
	form.Set("taskUrl", opts.TaskURL)
	if opts.MD5 != "" {
		form.Set("md5", opts.MD5)
	} else if opts.Identifier != "" {
		form.Set("identifier", opts.Identifier)
	}
	form.Set("version", clientVersion)
	form.Set("port", strconv.Itoa(opts.Port))
	form.Set("path", opts.HTTPPath)
	form.Set("callSystem", opts.CallSystem)
	form.Set("cid", opts.CID)
	form.Set("ip", opts.IP)
	form.Set("hostName", opts.HostName)
	if len(opts.Headers) > 0 {
		form.Set("headers", strings.Join(opts.Headers, "\n"))
	}
	form.Set("dfdaemon", strconv.FormatBool(opts.Dfdaemon))
	form.Set("superNodeIp", node)

	endpoint := fmt.Sprintf("http://%s:%d/peer/registry", node, Port)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		var result RegisterResult
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, decodeErr
		}

		if result.Code == TaskCodeWaitAuth {
			dflog.Infof("wait auth...")
			time.Sleep(2500 * time.Millisecond)
			continue
		}
		return &result, nil
	}
}

// PullPieceTaskOptions carries the per-request fields pull_piece_task
// sends alongside the running item.
type PullPieceTaskOptions struct {
	Node     string
	TaskID   string
	CID      string
	SrcCID   string
	Range    string
	Status   int
	DstCID   string
}

// PullPieceTask requests the next batch of piece tasks. Unlike the
// original's self-recursion on migration, the caller (the scheduler) is
// responsible for calling Register again and retrying; PullPieceTask
// itself only performs the TASK_CODE_WAIT backoff loop and a single
// request.
func (c *Client) PullPieceTask(ctx context.Context, opts PullPieceTaskOptions) (*PullResult, error) {
	endpoint := fmt.Sprintf("http://%s:%d/peer/task", opts.Node, Port)

	for {
		q := url.Values{}
		q.Set("taskId", opts.TaskID)
		q.Set("cid", opts.CID)
		q.Set("srcCid", opts.SrcCID)
		q.Set("range", opts.Range)
		q.Set("status", strconv.Itoa(opts.Status))
		q.Set("dstCid", opts.DstCID)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		var result PullResult
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, decodeErr
		}

		if result.Code == TaskCodeWait {
			sleepTime := time.Duration(600+rand.Intn(1400)) * time.Millisecond
			dflog.Infof("pull piece task result code=%d, sleep %s", result.Code, sleepTime)
			time.Sleep(sleepTime)
			continue
		}
		return &result, nil
	}
}

// Suc reports a successfully-received piece range, fire-and-forget (the
// original logs and swallows every error).
func (c *Client) Suc(ctx context.Context, node, taskID, cid, dstCID, pieceRange string) {
	endpoint := fmt.Sprintf("http://%s:%d/peer/piece/suc", node, Port)
	q := url.Values{"taskId": {taskID}, "cid": {cid}, "dstCid": {dstCID}, "pieceRange": {pieceRange}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		dflog.Warnf("suc piece build request: %v", err)
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		dflog.Warnf("suc piece error: %v", err)
		return
	}
	resp.Body.Close()
}

// DownService reports the client is tearing down, fire-and-forget.
func (c *Client) DownService(ctx context.Context, node, taskID, cid string) {
	if node == "" || node == "UNKNOWN" || taskID == "" || taskID == "UNKNOWN" {
		return
	}
	endpoint := fmt.Sprintf("http://%s:%d/peer/service/down", node, Port)
	q := url.Values{"taskId": {taskID}, "cid": {cid}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		dflog.Warnf("down service build request: %v", err)
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		dflog.Warnf("down service error: %v", err)
		return
	}
	resp.Body.Close()
}
