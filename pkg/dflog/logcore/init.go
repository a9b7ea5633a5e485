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

// Package logcore builds the rotating zap loggers for the client and
// server roles and wires them into pkg/dflog, replacing log.py's
// _build_logger/init_log pair.
package logcore

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/dragonflyoss/dfget/pkg/dflog"
)

const (
	maxLogSizeMB  = 16
	maxLogBackups = 5
)

// CreateLogger builds a zap logger writing to logPath (rotated via
// lumberjack at maxLogSizeMB) and, when console is true, also to stdout.
func CreateLogger(logPath string, console bool, debug bool) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
	})

	cores := []zapcore.Core{zapcore.NewCore(encoder, fileWriter, level)}
	if console {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// InitClient wires the client_logger role (component/log.py's "client" name).
func InitClient(logDir string, console, debug bool) error {
	logger, err := CreateLogger(filepath.Join(logDir, "dfclient.log"), console, debug)
	if err != nil {
		return err
	}
	dflog.SetClientLogger(logger)
	return nil
}

// InitServer wires the server_logger role (component/log.py's "server" name).
// The piece server never logs to console: it is a detached background
// process by the time it serves its first request.
func InitServer(logDir string, debug bool) error {
	logger, err := CreateLogger(filepath.Join(logDir, "dfserver.log"), false, debug)
	if err != nil {
		return err
	}
	dflog.SetServerLogger(logger)
	return nil
}
