// Copyright 2023 the one.fuse3 authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuse3

import (
	"flag"
	"sync"

	"github.com/sirupsen/logrus"
)

var fEnableDebug = flag.Bool(
	"fuse3.debug",
	false,
	"Write FUSE bridge debugging messages to stderr.")

var gLogger *logrus.Logger
var gLoggerOnce sync.Once

func initLogger() {
	gLogger = logrus.New()
	gLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})

	// Quiet unless asked: per-request logging is debug-only, lifecycle
	// problems surface at warning and above.
	gLogger.SetLevel(logrus.WarnLevel)
	if flag.Parsed() && *fEnableDebug {
		gLogger.SetLevel(logrus.DebugLevel)
	}
}

func getLogger() *logrus.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}
