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

// Package dflog holds the two role loggers the engine uses: one for the
// client-side session (register/scheduler/writer/back-source) and one for
// the long-lived piece server. Both are zap SugaredLoggers so call sites
// read like component/log.py's client_logger.warn/info/exception calls.
package dflog

import "go.uber.org/zap"

var (
	clientLogger *zap.SugaredLogger = zap.NewNop().Sugar()
	serverLogger *zap.SugaredLogger = zap.NewNop().Sugar()
)

func SetClientLogger(l *zap.Logger) {
	clientLogger = l.Sugar()
}

func SetServerLogger(l *zap.Logger) {
	serverLogger = l.Sugar()
}

func Client() *zap.SugaredLogger { return clientLogger }
func Server() *zap.SugaredLogger { return serverLogger }

func Infof(format string, args ...interface{})  { clientLogger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { clientLogger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { clientLogger.Errorf(format, args...) }
func Debugf(format string, args ...interface{}) { clientLogger.Debugf(format, args...) }

func ServerInfof(format string, args ...interface{})  { serverLogger.Infof(format, args...) }
func ServerWarnf(format string, args ...interface{})  { serverLogger.Warnf(format, args...) }
func ServerErrorf(format string, args ...interface{}) { serverLogger.Errorf(format, args...) }
