////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package logging

import (
	"io"

	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// stoppedThreshold sits above every valid jww level, so a stopped file
// listener matches nothing.
const stoppedThreshold = jww.Threshold(20)

// Error messages.
const (
	newBufferErr    = "could not create new circular buffer of size %d"
	badThresholdErr = "log level of %d is invalid"
)

// FileLog records log messages at or above its threshold into an in-memory
// circular buffer. When the buffer fills, the oldest entries are overwritten,
// so the captured file is always the most recent window of activity. It is
// meant to be attached for the lifetime of the process and snapshotted on
// demand for diagnostics or a bug report.
type FileLog struct {
	threshold      jww.Threshold
	maxLogFileSize int
	listenerID     uint64
	cb             *circbuf.Buffer
}

// NewFileLog starts recording logs at the threshold into an in-memory file of
// at most maxLogFileSize bytes and registers it with jwalterweatherman.
func NewFileLog(threshold jww.Threshold, maxLogFileSize int) (*FileLog, error) {
	if threshold < jww.LevelTrace || threshold > jww.LevelFatal {
		return nil, errors.Errorf(badThresholdErr, threshold)
	}

	b, err := circbuf.NewBuffer(int64(maxLogFileSize))
	if err != nil {
		return nil, errors.Wrapf(err, newBufferErr, maxLogFileSize)
	}

	fl := &FileLog{
		threshold:      threshold,
		maxLogFileSize: maxLogFileSize,
		cb:             b,
	}
	fl.listenerID = AddLogListener(fl.Listen)

	jww.FEEDBACK.Printf("[LOG] Outputting log to file of max size %d at "+
		"level %s", fl.maxLogFileSize, fl.threshold)
	return fl, nil
}

// Listen adheres to the [jwalterweatherman.LogListener] type and returns the
// log writer when the threshold is within the set threshold limit.
func (fl *FileLog) Listen(t jww.Threshold) io.Writer {
	if t < fl.threshold {
		return nil
	}
	return fl
}

// Write adheres to the io.Writer interface and writes log entries to the
// buffer.
func (fl *FileLog) Write(p []byte) (n int, err error) {
	return fl.cb.Write(p)
}

// StopLogging unregisters the listener and stops log message writes. Once
// logging is stopped, it cannot be resumed and the log file cannot be
// recovered.
func (fl *FileLog) StopLogging() {
	RemoveLogListener(fl.listenerID)
	fl.threshold = stoppedThreshold
	fl.cb.Reset()
}

// GetFile returns the entire log file.
func (fl *FileLog) GetFile() []byte {
	return fl.cb.Bytes()
}

// Threshold returns the log level threshold used in the file.
func (fl *FileLog) Threshold() jww.Threshold {
	return fl.threshold
}

// MaxSize returns the max size, in bytes, that the log file is allowed to be.
func (fl *FileLog) MaxSize() int {
	return fl.maxLogFileSize
}

// Size returns the current size, in bytes, written to the log file.
func (fl *FileLog) Size() int {
	return int(fl.cb.Size())
}
