// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import "io"

type pipe struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newPipe() *pipe {
	reader, writer := io.Pipe()
	return &pipe{reader: reader, writer: writer}
}

// closePipes ends both pipes of a finishing job. Pending uploads see
// io.ErrClosedPipe and pending downloads see end of file.
func (j *Job) closePipes() {
	if j.input != nil {
		j.input.reader.Close()
	}
	if j.output != nil {
		j.output.writer.Close()
	}
}
