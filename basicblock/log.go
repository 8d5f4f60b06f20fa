// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock

import (
	"log"
	"os"
)

// PrintDebugInfo, when set before any SubGraph is constructed, routes
// the package logger to stderr instead of discarding its output.
var PrintDebugInfo = false

var logger = log.New(debugWriter{}, "", log.Lshortfile)

// debugWriter forwards to stderr while PrintDebugInfo is set and
// discards its input otherwise; the flag is read on every write.
type debugWriter struct{}

func (debugWriter) Write(p []byte) (int, error) {
	if PrintDebugInfo {
		return os.Stderr.Write(p)
	}
	return len(p), nil
}
