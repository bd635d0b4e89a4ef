/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"fmt"
	"os"

	"github.com/crewjam/rfc5424"
)

// KV renders a structured data parameter for a log entry
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	r.Value = fmt.Sprintf("%v", value)
	return
}

// KVErr is a helper that renders an error under the standard "error" key
func KVErr(err error) rfc5424.SDParam {
	return KV(`error`, err)
}

// NewStderrLogger creates a logger bound to stderr, or to the override
// file when fileOverride is set
func NewStderrLogger(fileOverride string) (*Logger, error) {
	if fileOverride != `` {
		return NewFile(fileOverride)
	}
	return New(nopWriteCloser{os.Stderr}), nil
}

type nopWriteCloser struct {
	w *os.File
}

func (n nopWriteCloser) Write(b []byte) (int, error) {
	return n.w.Write(b)
}

func (n nopWriteCloser) Close() error {
	return nil
}
