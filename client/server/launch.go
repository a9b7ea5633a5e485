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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/phayes/freeport"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/dfget/client/metafile"
	"github.com/dragonflyoss/dfget/pkg/dflog"
)

// portDown/portUp bound the rolling port window the original cycles
// through with generate_port(), rebased every 5 minutes off the clock so
// repeated launches on the same host tend to pick the same starting
// point.
const (
	portDown = 15000
	portUp   = 65000
)

// launchLockPath is the lock file serializing the reuse-or-launch
// decision across concurrent dfget invocations on one host. Go has no
// fork(); where the original forks itself into a daemon, dfget instead
// execs itself with a hidden internal subcommand and detaches it via
// Setsid, so this lock is what prevents two invocations racing to both
// spawn a server.
func launchLockPath(homeDir string) string {
	return filepath.Join(homeDir, "server.lock")
}

// CheckPort asks whatever is listening on port whether it's already
// serving taskFileName, matching check_port(). An empty return means no
// (or no reusable) server was found.
func CheckPort(port int, taskFileName, dataDir string, totalLimit int64) string {
	if port <= 0 {
		return ""
	}
	params, _ := jsonParam(map[string]interface{}{
		"dataDir":    dataDir,
		"totalLimit": totalLimit,
	})

	url := fmt.Sprintf("http://127.0.0.1:%d%s%s", port, localPathCheck, taskFileName)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("param", params)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	body := make([]byte, 256)
	n, _ := resp.Body.Read(body)
	result := string(body[:n])

	suffix := "@" + clientVersion
	if len(result) > len(suffix) && result[len(result)-len(suffix):] == suffix {
		return result[:len(result)-len(suffix)]
	}
	if result != "" {
		dflog.ServerWarnf("checked result:%s for client version:%s", result, clientVersion)
	}
	return ""
}

func jsonParam(m map[string]interface{}) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

// Launch decides whether an existing server on this host already serves
// taskFileName and, if not, spawns one (execPath re-invoked with the
// hidden "internal-serve" subcommand) and waits for it to report its
// port. It replaces launch()'s fork-based daemonization.
func Launch(execPath, homeDir, taskFileName, dataDir string, totalLimit int64) (int, error) {
	lock := flock.New(launchLockPath(homeDir))
	if err := lock.Lock(); err != nil {
		return 0, errors.Wrap(err, "acquire launch lock")
	}
	defer lock.Unlock()

	meta := metafile.New(filepath.Join(homeDir, "meta", "host.meta"), "checkService")
	data := meta.Load()

	if data.ServicePort > 0 {
		if result := CheckPort(data.ServicePort, taskFileName, dataDir, totalLimit); result == taskFileName {
			dflog.ServerInfof("reuse exist service with port:%d", data.ServicePort)
			return data.ServicePort, nil
		}
		dflog.ServerWarnf("not found process on port:%d, version:%s", data.ServicePort, clientVersion)
	}

	port, err := spawnServer(execPath, homeDir, taskFileName, dataDir, totalLimit)
	if err != nil {
		return 0, err
	}

	data.ServicePort = port
	if err := meta.Dump(data); err != nil {
		dflog.ServerWarnf("persist service port: %v", err)
	}
	return port, nil
}

// spawnServer execs execPath as a detached background process running
// the internal server subcommand, then polls it over loopback until it
// answers a check for taskFileName (or a timeout elapses).
func spawnServer(execPath, homeDir, taskFileName, dataDir string, totalLimit int64) (int, error) {
	port, err := choosePort()
	if err != nil {
		return 0, errors.Wrap(err, "choose port")
	}

	cmd := exec.Command(execPath, "internal-serve",
		"--home", homeDir,
		"--port", strconv.Itoa(port),
		"--data-dir", dataDir,
		"--total-limit", strconv.FormatInt(totalLimit, 10),
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start server process")
	}
	dflog.ServerInfof("server process is loading, pid=%d port=%d", cmd.Process.Pid, port)
	_ = cmd.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if CheckPort(port, taskFileName, dataDir, totalLimit) == taskFileName {
			return port, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return 0, errors.New("server did not become ready in time")
}

func choosePort() (int, error) {
	base := int(time.Now().Unix()/300) % (portUp - portDown)
	port := portDown + base
	if p, err := probeListen(port); err == nil {
		return p, nil
	}
	return freeport.GetFreePort()
}

func probeListen(port int) (int, error) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", addr)
	if err != nil {
		return 0, err
	}
	_ = ln.Close()
	return port, nil
}
