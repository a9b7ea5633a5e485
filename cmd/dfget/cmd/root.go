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

// Package cmd is dfget's cobra command tree: the root download command
// plus the hidden internal-serve subcommand the piece server launcher
// re-execs itself as.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dragonflyoss/dfget/client/config"
	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/progress"
	"github.com/dragonflyoss/dfget/client/supernode"
	"github.com/dragonflyoss/dfget/client/supervisor"
	logger "github.com/dragonflyoss/dfget/pkg/dflog"
	"github.com/dragonflyoss/dfget/pkg/dflog/logcore"
)

// version is stamped at build time via -ldflags; unset in a plain build.
var version = "dev"

var opt = config.NewClientOption()

var rawRateLimit struct {
	local string
	total string
}

var showVersion bool

var rootCmd = &cobra.Command{
	Use:   "dfget",
	Short: "client of Dragonfly used to download and upload files",
	Long: `dfget is the client of a small-scale Dragonfly-style P2P network. When a
user triggers a file download, dfget downloads the file's pieces from other
peers holding them, reporting progress to and coordinating through a
supernode. It also serves the pieces it holds to other peers, and falls back
to downloading straight from the source when the swarm can't finish the task.`,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	Args:              cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version)
			return nil
		}

		localLimit, err := config.ParseRateLimit(rawRateLimit.local)
		if err != nil {
			return err
		}
		totalLimit, err := config.ParseRateLimit(rawRateLimit.total)
		if err != nil {
			return err
		}
		opt.LocalLimit = localLimit
		opt.TotalLimit = totalLimit

		if err := opt.Validate(); err != nil {
			return err
		}

		if err := logcore.InitClient(logDir(), opt.Console, false); err != nil {
			return pkgerrors.Wrap(err, "init client logger")
		}
		progress.Init(0, opt.ShowBar)

		execPath, err := os.Executable()
		if err != nil {
			return pkgerrors.Wrap(err, "resolve dfget executable path")
		}

		runCtx := context.Background()
		if opt.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, opt.Timeout)
			defer cancel()
		}

		runErr := supervisor.Run(runCtx, opt, execPath)
		progress.Finish()
		if runErr != nil {
			logger.Errorf("download failed: %v", runErr)
			return runErr
		}
		return nil
	},
}

// Execute runs the root command and converts a non-nil error into the
// process exit code spec.md §6 assigns to it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to the process exit code of spec.md
// §6: a supernode auth demand exits 22, a resolved back_reason exits
// with that code, a bad flag or setup problem exits with
// ReasonInitError's code, and anything else is a generic failure.
func exitCodeFor(err error) int {
	var needAuth *supernode.NeedAuthError
	if errors.As(err, &needAuth) {
		return 22
	}
	var needBack *errs.NeedBack
	if errors.As(err, &needBack) {
		return errs.ExitCode(needBack.Reason)
	}
	var paramErr *errs.ParamError
	if errors.As(err, &paramErr) {
		return int(errs.ReasonInitError)
	}
	return 1
}

func logDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return home + "/.small-dragonfly/logs"
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opt.URL, "url", "u", "", "URL of the file to download (required)")
	flags.StringVarP(&opt.Output, "output", "o", "", "destination path of the downloaded file")
	flags.StringVarP(&opt.MD5, "md5", "m", "", "expected md5 digest of the downloaded file")
	flags.StringVar(&opt.CallSystem, "callsystem", "", "caller system identity reported to the supernode")
	flags.BoolVar(&opt.NotBackSource, "notbs", false, "disable the back-to-source fallback when P2P fails")
	flags.StringVarP(&rawRateLimit.local, "locallimit", "s", "", "download rate limit for this task, e.g. 20M or 512k")
	flags.StringVar(&rawRateLimit.total, "totallimit", "", "upload rate limit shared across all tasks served locally")
	flags.StringVarP(&opt.Identifier, "identifier", "i", "", "task identifier; ignored if --md5 is set")
	flags.DurationVarP(&opt.Timeout, "timeout", "e", 0, "overall download timeout")
	flags.StringVarP(&opt.Filter, "filter", "f", "", "&-separated query parameter keys to strip from the task URL")
	flags.BoolVarP(&opt.ShowBar, "showbar", "b", false, "show a progress bar while downloading")
	flags.StringVarP(&opt.Pattern, "pattern", "p", "p2p", "download pattern: p2p or cdn")
	flags.StringSliceVarP(&opt.Nodes, "node", "n", nil, "comma-separated supernode addresses, overriding config")
	flags.BoolVar(&opt.Console, "console", false, "also log to the console")
	flags.StringArrayVar(&opt.Headers, "header", nil, "extra HTTP header, repeatable (\"Name: value\")")
	flags.BoolVar(&opt.Dfdaemon, "dfdaemon", false, "report as a dfdaemon-originated request")
	flags.BoolVarP(&showVersion, "version", "v", false, "print version and exit")

	rootCmd.AddCommand(internalServeCmd)
}
