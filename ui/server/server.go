// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/olivere/taskqueue"
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	m *taskqueue.Manager
}

// New initializes a new Server.
func New(m *taskqueue.Manager) *Server {
	return &Server{
		m: m,
	}
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.DefaultServeMux
	r.Handle("/ws", wsserver{m: srv.m})
	r.Handle("/", http.FileServer(http.Dir("public")))
	StateUpdates = make(chan *State)
	defer close(StateUpdates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.m)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// State is the current state of the queue, pushed to all connected
// clients once per second.
type State struct {
	Type        string                `json:"type"`
	Stats       *taskqueue.QueueStats `json:"stats,omitempty"`
	DeadLetters []*taskqueue.Job      `json:"deadletters,omitempty"`
}

var StateUpdates chan *State

func watcher(ctx context.Context, m *taskqueue.Manager) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE"}
			stats, err := m.Stats(ctx)
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			newState.Stats = stats
			rsp, err := m.DeadLetters(ctx, &taskqueue.ListRequest{Limit: 10})
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			newState.DeadLetters = rsp.Jobs
			StateUpdates <- newState
		case <-ctx.Done():
			return
		}
	}
}
