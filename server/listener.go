// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"errors"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/worker"
)

type listener struct {
	sync.Mutex
	worker.Worker

	s   *Server
	log *logging.Logger

	l        net.Listener
	sessions map[uint64]*session
	nextID   uint64

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if e, ok := err.(net.Error); ok && !e.Timeout() {
				l.log.Errorf("Critical accept failure: %v", err)
				return
			}
			continue
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	l.closeAllWg.Add(1)
	l.Lock()
	defer l.Unlock()

	l.nextID++
	s := newSession(l.s, l.nextID, conn)
	l.sessions[s.id] = s
	go s.worker(l.closeAllCh, func() { l.onClosedConn(s) })
}

func (l *listener) onClosedConn(s *session) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	delete(l.sessions, s.id)
}

func newListener(s *Server) (*listener, error) {
	l := &listener{
		s:          s,
		log:        s.logBackend.GetLogger("listener"),
		sessions:   make(map[uint64]*session),
		closeAllCh: make(chan interface{}),
	}

	var err error
	if l.l, err = net.Listen(s.cfg.Server.Network, s.cfg.Server.Address); err != nil {
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
