// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errFrameTooLarge is returned by readFrame when a frame exceeds the
// current limit.
var errFrameTooLarge = errors.New("transport: frame exceeds size limit")

// writeTimeout bounds one frame write.
const writeTimeout = 10 * time.Second

// frameConn is a connection that exchanges whole JSON frames.
type frameConn interface {
	// readFrame returns the next frame, at most limit bytes long.
	readFrame(limit int64) ([]byte, error)

	// writeFrame writes one frame. Calls are serialized by the
	// connection's writer goroutine.
	writeFrame(data []byte) error

	// reject ends the connection with a policy error. data is the
	// error frame for transports that have no close handshake.
	reject(reason string, data []byte)

	close() error
}

// websocketConn carries one frame per text message.
type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) readFrame(limit int64) ([]byte, error) {
	c.conn.SetReadLimit(limit)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, errFrameTooLarge
		}
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) writeFrame(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// reject closes with CloseMessageTooBig. When the library's own read
// limit tripped it has already sent that frame, and the write fails
// harmlessly.
func (c *websocketConn) reject(reason string, _ []byte) {
	message := websocket.FormatCloseMessage(websocket.CloseMessageTooBig, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeTimeout))
}

func (c *websocketConn) close() error { return c.conn.Close() }

// lineConn carries newline-delimited JSON over a stream socket.
type lineConn struct {
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
}

func newLineConn(conn net.Conn) *lineConn {
	return &lineConn{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}
}

func (c *lineConn) readFrame(limit int64) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if int64(len(frame)+len(chunk)) > limit+1 {
			return nil, errFrameTooLarge
		}
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			frame = bytes.TrimSpace(frame)
			if len(frame) == 0 {
				continue
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(frame)) > 0:
			return bytes.TrimSpace(frame), nil
		default:
			return nil, err
		}
	}
}

func (c *lineConn) writeFrame(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	buffer := make([]byte, 0, len(data)+1)
	buffer = append(buffer, data...)
	buffer = append(buffer, '\n')
	_, err := c.conn.Write(buffer)
	return err
}

func (c *lineConn) reject(_ string, data []byte) {
	c.writeFrame(data)
}

func (c *lineConn) close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
