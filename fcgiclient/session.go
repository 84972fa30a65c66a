/*
 * Copyright (c) 2016 Moriyoshi Koizumi
 * Copyright (c) 2012 Junqing Tan <ivan@mysqlab.net>
 * Copyright (c) 2012 The Go Authors.
 *
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are
 * met:
 *
 *    * Redistributions of source code must retain the above copyright
 * notice, this list of conditions and the following disclaimer.
 *    * Redistributions in binary form must reproduce the above
 * copyright notice, this list of conditions and the following disclaimer
 * in the documentation and/or other materials provided with the
 * distribution.
 *    * Neither the name of Elazar Leibovich. nor the names of its
 * contributors may be used to endorse or promote products derived from
 * this software without specific prior written permission.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
 * "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
 * LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
 * A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
 * OWNER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
 * SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
 * LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
 * DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
 * THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
 * (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
 * OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
 */
package fcgiclient

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is where a session stands in its lifecycle. The send-side states
// advance as BEGIN_REQUEST, PARAMS and STDIN go out; StateComplete and
// StateErrored are terminal and decided by the receive side.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateParamsSent
	StateStdinSent
	StateAwaitingResponse
	StateComplete
	StateErrored
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateConnected:        "connected",
	StateParamsSent:       "params-sent",
	StateStdinSent:        "stdin-sent",
	StateAwaitingResponse: "awaiting-response",
	StateComplete:         "complete",
	StateErrored:          "errored",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Result carries the END_REQUEST outcome: the application's own exit code
// and the protocol-layer status, reported independently.
type Result struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

// Session owns one FastCGI request over a connected byte stream. The
// transport is exclusively the session's for its entire lifetime; once a
// request has run, the session is spent.
type Session struct {
	conn   net.Conn
	logger *logrus.Logger
	reqId  uint16

	wmu sync.Mutex // serializes writes; the abort path races the sender
	h   header

	mu    sync.Mutex
	state State
}

// NewSession wraps an established transport. The request id is fixed at 1;
// this client never multiplexes requests over a connection.
func NewSession(conn net.Conn, logger *logrus.Logger) *Session {
	return &Session{
		conn:   conn,
		logger: logger,
		reqId:  1,
		state:  StateConnected,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.logger.Debugf("session %d: %s -> %s", s.reqId, prev, next)
}

// Do runs the request to completion: BEGIN_REQUEST, the PARAMS stream, the
// STDIN stream (stdin may be nil for a bodyless request), then drains
// STDOUT/STDERR records into the supplied writers as they arrive until
// END_REQUEST. The two directions progress independently so that a server
// which starts responding before consuming the whole body cannot deadlock
// the session; a server that completes the response early settles the
// request and the rest of the body is abandoned. Cancelling ctx sends a
// best-effort ABORT_REQUEST and tears the transport down. Output already
// forwarded is never retracted.
func (s *Session) Do(ctx context.Context, params []Pair, stdin io.Reader, stdout, stderr io.Writer) (*Result, error) {
	writeDone := make(chan error, 1)
	go func() {
		err := s.sendRequest(params, stdin)
		if err != nil {
			// unblock the read side; the transport is unusable now
			s.conn.Close()
		}
		writeDone <- err
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.abort()
		case <-done:
		}
	}()

	res, err := s.readResponse(ctx, stdout, stderr)
	if err != nil {
		s.conn.Close()
		if werr := <-writeDone; werr != nil {
			s.logger.Debugf("session %d: send side failed: %s", s.reqId, werr.Error())
		}
		s.setState(StateErrored)
		return nil, err
	}
	// END_REQUEST settles the request's outcome; whatever body is still
	// pending is of no interest to the server anymore
	select {
	case werr := <-writeDone:
		if werr != nil {
			s.logger.Debugf("session %d: send side failed after the response completed: %s", s.reqId, werr.Error())
		}
	default:
		s.logger.Debugf("session %d: response completed before the request body was fully sent", s.reqId)
		s.conn.Close()
	}
	s.setState(StateComplete)
	return res, nil
}

func (s *Session) sendRequest(params []Pair, stdin io.Reader) error {
	if err := s.writeBeginRequest(FCGI_RESPONDER, 0); err != nil {
		return err
	}
	if err := s.writeParams(params); err != nil {
		return err
	}
	s.setState(StateParamsSent)
	if err := s.writeStdin(stdin); err != nil {
		return err
	}
	s.setState(StateStdinSent)
	s.setState(StateAwaitingResponse)
	return nil
}

func (s *Session) writeRecord(recType uint8, content []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return writeRecord(s.conn, &s.h, recType, s.reqId, content)
}

func (s *Session) writeBeginRequest(role uint8, flags uint8) error {
	b := [8]byte{0, role, flags}
	return s.writeRecord(FCGI_BEGIN_REQUEST, b[:])
}

func (s *Session) writeParams(params []Pair) error {
	c := pairChunker{
		emit: func(b []byte) error {
			return s.writeRecord(FCGI_PARAMS, b)
		},
	}
	for _, p := range params {
		if err := c.add(p); err != nil {
			return err
		}
	}
	if err := c.flush(); err != nil {
		return err
	}
	return s.writeRecord(FCGI_PARAMS, nullByteSlice)
}

func (s *Session) writeStdin(stdin io.Reader) error {
	if stdin != nil {
		buf := make([]byte, maxWrite)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if werr := s.writeRecord(FCGI_STDIN, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Wrap(err, "failed to read request body")
			}
		}
	}
	return s.writeRecord(FCGI_STDIN, nullByteSlice)
}

func (s *Session) readResponse(ctx context.Context, stdout, stderr io.Writer) (*Result, error) {
	rec := &record{}
	for {
		if err := rec.read(s.conn); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "request aborted")
			}
			return nil, err
		}
		if rec.h.Id != s.reqId {
			return nil, errors.Wrapf(ErrProtocolMismatch, "record for request id %d received, %d expected", rec.h.Id, s.reqId)
		}
		switch rec.h.Type {
		case FCGI_STDOUT:
			if c := rec.content(); len(c) > 0 {
				if _, err := stdout.Write(c); err != nil {
					return nil, errors.Wrap(err, "failed to forward stdout")
				}
			}
		case FCGI_STDERR:
			if c := rec.content(); len(c) > 0 {
				if _, err := stderr.Write(c); err != nil {
					return nil, errors.Wrap(err, "failed to forward stderr")
				}
			}
		case FCGI_END_REQUEST:
			c := rec.content()
			if len(c) < 8 {
				return nil, errors.Wrapf(ErrMalformedRecord, "%d-byte END_REQUEST body", len(c))
			}
			return &Result{
				AppStatus:      binary.BigEndian.Uint32(c[:4]),
				ProtocolStatus: c[4],
			}, nil
		default:
			s.logger.Debugf("session %d: ignoring record of type %d", s.reqId, rec.h.Type)
		}
	}
}

// abort is a courtesy to the server, not a clean shutdown; the record may
// never arrive if the transport is already gone.
func (s *Session) abort() {
	if err := s.writeRecord(FCGI_ABORT_REQUEST, nullByteSlice); err != nil {
		s.logger.Debugf("session %d: could not send FCGI_ABORT_REQUEST: %s", s.reqId, err.Error())
	}
	s.conn.Close()
}
