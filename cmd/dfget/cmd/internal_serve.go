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

package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dragonflyoss/dfget/client/server"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/pkg/dflog/logcore"
)

var serveOpt struct {
	home       string
	port       int
	dataDir    string
	totalLimit int64
}

// internalServeCmd is the hidden subcommand client/server/launch.go's
// spawnServer re-execs the dfget binary as: it runs the embedded piece
// server as a detached background process and never returns until the
// server shuts itself down (idle timeout) or is killed.
var internalServeCmd = &cobra.Command{
	Use:    "internal-serve",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logcore.InitServer(logDir(), false); err != nil {
			return err
		}

		sn := supernode.New()
		srv := server.New(sn)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		metaPath := filepath.Join(serveOpt.home, "meta", "host.meta")
		go srv.RunIdleReaper(metaPath, cancel)
		go srv.RunGC(ctx, serveOpt.dataDir)

		addr := fmt.Sprintf(":%d", serveOpt.port)
		if err := srv.Serve(ctx, addr); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	flags := internalServeCmd.Flags()
	flags.StringVar(&serveOpt.home, "home", "", "dfget home directory")
	flags.IntVar(&serveOpt.port, "port", 0, "port to listen on")
	flags.StringVar(&serveOpt.dataDir, "data-dir", "", "directory holding task data")
	flags.Int64Var(&serveOpt.totalLimit, "total-limit", 0, "server-wide upload rate limit, in bytes/sec; not applied at startup, the limit carried by /check requests is used")
}
