package view

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/senutpal/lockrsm/internal/transport"
)

const MethodHeartbeat = "view.heartbeat"

type HeartbeatStatus int

const (
	HeartbeatOK HeartbeatStatus = iota
	HeartbeatViewErr
)

type HeartbeatArgs struct {
	Vid uint64
}

type HeartbeatReply struct {
	Status HeartbeatStatus
	Vid    uint64
}

// heartbeat answers a ping. A differing view id is tolerated while a view
// change is being proposed here, since the two sides are one view apart.
func (m *Manager) heartbeat(src string, args HeartbeatArgs) (HeartbeatReply, error) {
	vid := m.Vid()
	r := HeartbeatReply{Vid: vid}
	if args.Vid != vid && !m.pro.IsRunning() {
		r.Status = HeartbeatViewErr
	}
	return r, nil
}

// Start launches the heartbeater.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.heartbeater(m.stopCh)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// heartbeater watches the view. The first member pings everybody else and
// everybody else pings the first member. A silent peer is removed.
func (m *Manager) heartbeater(stop chan struct{}) {
	defer m.wg.Done()
	for {
		// jitter keeps two survivors from proposing in lockstep
		d := m.opts.HeartbeatInterval + time.Duration(rand.Int63n(int64(m.opts.HeartbeatInterval)/2+1))
		select {
		case <-stop:
			return
		case <-time.After(d):
		}
		m.tick()
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	vid := m.vid
	mems := append([]string(nil), m.mems...)
	m.mu.Unlock()
	if !contains(mems, m.me) || len(mems) < 2 {
		return
	}

	var peers []string
	if mems[0] == m.me {
		peers = mems[1:]
	} else {
		peers = mems[:1]
	}

	var dead []string
	for _, p := range peers {
		var r HeartbeatReply
		err := transport.CallTimeout(m.net, m.opts.PingTimeout, p, MethodHeartbeat, HeartbeatArgs{Vid: vid}, &r)
		switch {
		case err != nil:
			log.Printf("[%s] view: heartbeat to %s failed: %v", m.me, p, err)
			dead = append(dead, p)
		case r.Status == HeartbeatViewErr && r.Vid > vid:
			m.catchUp(context.Background())
			return
		}
		// a peer behind us catches up from its own heartbeats
	}

	for _, p := range dead {
		if m.Vid() != vid {
			return
		}
		m.Remove(context.Background(), p)
	}
}
