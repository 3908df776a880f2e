/*
 * This file is part of the KubeVirt project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright The KubeVirt Authors.
 *
 */

// Package debugserver exposes a Merger's job table over the same
// command-socket convention virt-launcher uses for its other unix-domain
// control sockets: one listener per VMI, one JSON document per request, no
// framing beyond "connect, read, get a reply, disconnect". It exists purely
// for operator debugging via cmd/virt-launcher-merge-status; nothing in the
// merge state machine depends on it.
package debugserver

import (
	"encoding/json"
	"net"
	"os"

	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge"
)

// JobsSource is the subset of *livemerge.Merger the debug server needs.
type JobsSource interface {
	QueryJobs() map[string]livemerge.JobStatus
}

// Server listens on a unix socket and answers every connection with the
// current job table as a JSON object, keyed by job id.
type Server struct {
	socketPath string
	jobs       JobsSource
	listener   net.Listener
}

// New builds a debug server for socketPath. It does not touch the socket
// file; Start removes any stale one left behind by a prior virt-launcher
// process before listening.
func New(socketPath string, jobs JobsSource) *Server {
	return &Server{socketPath: socketPath, jobs: jobs}
}

// Start begins listening and serving connections on a background goroutine.
// Call Stop to close the listener and remove the socket file.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.listener = l

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.serveOne(conn)
		}
	}()
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) serveOne(conn net.Conn) {
	defer conn.Close()
	_ = json.NewEncoder(conn).Encode(s.jobs.QueryJobs())
}
