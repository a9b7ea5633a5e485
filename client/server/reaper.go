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
	"time"

	"github.com/dragonflyoss/dfget/client/metafile"
	"github.com/dragonflyoss/dfget/pkg/dflog"
)

// idleTimeout is how long the server waits without any activity on
// AliveChannel before shutting itself down, matching check_alive's
// 5-minute queue-get timeout.
const idleTimeout = 5 * time.Minute

// RunIdleReaper blocks, shutting the server down (by calling the given
// shutdown func) once idleTimeout passes with no activity and the alive channel
// is confirmed still empty. metaPath is the host metadata file whose
// cached servicePort must be cleared first, so the next invocation
// doesn't try to reuse a server that's about to disappear.
func (s *Server) RunIdleReaper(metaPath string, shutdown func()) {
	dflog.ServerInfof("checking alive")
	for {
		select {
		case <-s.AliveChannel():
			continue
		case <-time.After(idleTimeout):
		}

		// drain anything that raced in right at the timeout before
		// committing to shutdown.
		select {
		case <-s.AliveChannel():
			continue
		default:
		}

		dflog.ServerInfof("idle timeout reached, clearing cached service port")
		meta := metafile.New(metaPath, "finishService")
		data := meta.Load()
		data.ServicePort = 0
		if err := meta.Dump(data); err != nil {
			dflog.ServerErrorf("clear service port: %v", err)
		}

		dflog.ServerInfof("server down")
		shutdown()
		return
	}
}
