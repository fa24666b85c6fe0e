// Copyright Lightstep Authors
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

// Package test provides an in-process fake collector for tests.
package test

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/collector/remote"
	"github.com/lightstep/harvest-launcher-go/lightstep/sdk/config"
)

// Request is one call received by the fake collector.  Body is
// decompressed.
type Request struct {
	Method   string
	RunID    string
	Header   http.Header
	Body     []byte
	Encoding string
}

// Payload splits the body into its top-level array elements.
func (r Request) Payload() ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := json.Unmarshal(r.Body, &out)
	return out, err
}

// Reply is a scripted response.
type Reply struct {
	Status int
	Body   string
}

// Exception builds a 200 reply carrying an exception envelope.
func Exception(errorType, message string) Reply {
	body, _ := json.Marshal(map[string]any{
		"exception": map[string]string{"error_type": errorType, "message": message},
	})
	return Reply{Status: http.StatusOK, Body: string(body)}
}

type Server struct {
	srv *httptest.Server

	lock     sync.Mutex
	requests []Request
	scripted map[string][]Reply
	runs     int
	settings map[string]any
	redirect string
}

func NewServer() *Server {
	s := &Server{
		scripted: map[string][]Reply{},
		settings: map[string]any{},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) URL() string {
	return s.srv.URL
}

// Configure points snap at the fake collector.
func (s *Server) Configure(snap config.Snapshot) config.Snapshot {
	host, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	snap.Host = host
	snap.Port, _ = strconv.Atoi(port)
	snap.Insecure = true
	return snap
}

// Script queues replies for method.  Once the queue is empty the
// method falls back to its default reply.
func (s *Server) Script(method string, replies ...Reply) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.scripted[method] = append(s.scripted[method], replies...)
}

// Status queues n replies with the given status and an empty body.
func (s *Server) Status(method string, status, n int) {
	replies := make([]Reply, n)
	for i := range replies {
		replies[i] = Reply{Status: status}
	}
	s.Script(method, replies...)
}

// SetConnectSettings adds fields to every connect return value.
func (s *Server) SetConnectSettings(settings map[string]any) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for k, v := range settings {
		s.settings[k] = v
	}
}

// SetRedirect makes preconnect return redirect_host.
func (s *Server) SetRedirect(hostport string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.redirect = hostport
}

func (s *Server) Requests() []Request {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the calls to method in arrival order.
func (s *Server) RequestsFor(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Methods returns the method names in arrival order.
func (s *Server) Methods() []string {
	var out []string
	for _, r := range s.Requests() {
		out = append(out, r.Method)
	}
	return out
}

func (s *Server) Stop() {
	s.srv.Close()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	method := q.Get("method")

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	encoding := r.Header.Get("Content-Encoding")
	body, err := remote.Encoding(encoding).Decompress(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.lock.Lock()
	s.requests = append(s.requests, Request{
		Method:   method,
		RunID:    q.Get("run_id"),
		Header:   r.Header.Clone(),
		Body:     body,
		Encoding: encoding,
	})
	reply, ok := s.next(method)
	if !ok {
		reply = s.defaultReply(method)
	}
	s.lock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}

func (s *Server) next(method string) (Reply, bool) {
	queue := s.scripted[method]
	if len(queue) == 0 {
		return Reply{}, false
	}
	s.scripted[method] = queue[1:]
	return queue[0], true
}

func (s *Server) defaultReply(method string) Reply {
	var rv any
	switch method {
	case remote.MethodPreconnect:
		rv = map[string]any{"redirect_host": s.redirect}
	case remote.MethodConnect:
		s.runs++
		settings := map[string]any{"agent_run_id": fmt.Sprint("run-", s.runs)}
		for k, v := range s.settings {
			settings[k] = v
		}
		rv = settings
	}
	body, _ := json.Marshal(map[string]any{"return_value": rv})
	return Reply{Status: http.StatusOK, Body: string(body)}
}
