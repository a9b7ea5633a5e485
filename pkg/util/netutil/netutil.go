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

// Package netutil has the small reachability/loopback-control helpers
// shared by the supervisor and fetcher, mirroring component/netutil.py.
package netutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CheckConnect dials host:port with the given timeout and, on success,
// returns the local address it connected from (so callers that probe a
// supernode can learn their own outbound IP in the same call). Returns ""
// when the dial fails.
func CheckConnect(host string, port int, timeout time.Duration) string {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return ""
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return local.IP.String()
}

// Reachable is a convenience boolean wrapper around CheckConnect.
func Reachable(host string, port int, timeout time.Duration) bool {
	return CheckConnect(host, port, timeout) != ""
}

// RequestLocalRate asks the local piece server to apportion rateLimit
// bytes/sec across the tasks it's currently uploading, returning the rate
// this task should use next. Matches pull_rate's GET to /rate/<TFN>.
func RequestLocalRate(port int, taskFileName string, rateLimit int64) (int64, error) {
	param, err := json.Marshal(map[string]interface{}{"rateLimit": rateLimit})
	if err != nil {
		return 0, err
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d/rate/%s", port, taskFileName)
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("param", string(param))

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 32)
	n, _ := resp.Body.Read(buf)
	text := strings.TrimSpace(string(buf[:n]))
	if text == "" {
		return 0, nil
	}
	return strconv.ParseInt(text, 10, 64)
}
