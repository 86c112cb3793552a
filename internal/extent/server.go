// Package extent is a flat key/value store of extents: byte strings with
// file-like attributes, addressed by a 64-bit id.
package extent

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/transport"
)

const (
	MethodPut     = "extent.put"
	MethodGet     = "extent.get"
	MethodGetattr = "extent.getattr"
	MethodRemove  = "extent.remove"
)

type Status int

const (
	OK Status = iota
	NOENT
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NOENT:
		return "NOENT"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var ErrNoEntry = errors.New("extent: no such extent")

// Attr times are Unix seconds.
type Attr struct {
	Size  int
	Atime int64
	Mtime int64
	Ctime int64
}

type PutArgs struct {
	ID   uint64
	Data []byte
}

type PutReply struct {
	Status Status
}

type IDArgs struct {
	ID uint64
}

type GetReply struct {
	Status Status
	Data   []byte
}

type GetattrReply struct {
	Status Status
	Attr   Attr
}

type RemoveReply struct {
	Status Status
}

type entry struct {
	data []byte
	attr Attr
}

type Server struct {
	mu      sync.Mutex
	extents map[uint64]*entry
	now     func() time.Time
}

// NewServer returns an empty store holding only the root directory, id 1.
func NewServer() *Server {
	s := &Server{extents: make(map[uint64]*entry), now: time.Now}
	s.Put(1, nil)
	return s
}

// RegisterHandlers serves the extent RPCs on t.
func (s *Server) RegisterHandlers(t transport.Transport) {
	transport.Register(t, MethodPut, func(src string, a PutArgs) (PutReply, error) {
		s.Put(a.ID, a.Data)
		return PutReply{Status: OK}, nil
	})
	transport.Register(t, MethodGet, func(src string, a IDArgs) (GetReply, error) {
		data, err := s.Get(a.ID)
		if err != nil {
			return GetReply{Status: NOENT}, nil
		}
		return GetReply{Status: OK, Data: data}, nil
	})
	transport.Register(t, MethodGetattr, func(src string, a IDArgs) (GetattrReply, error) {
		attr, err := s.Getattr(a.ID)
		if err != nil {
			return GetattrReply{Status: NOENT}, nil
		}
		return GetattrReply{Status: OK, Attr: attr}, nil
	})
	transport.Register(t, MethodRemove, func(src string, a IDArgs) (RemoveReply, error) {
		if err := s.Remove(a.ID); err != nil {
			return RemoveReply{Status: NOENT}, nil
		}
		return RemoveReply{Status: OK}, nil
	})
}

// Put creates or replaces extent id.
func (s *Server) Put(id uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	e, ok := s.extents[id]
	if !ok {
		e = &entry{attr: Attr{Atime: now}}
		s.extents[id] = e
	}
	e.data = append([]byte(nil), data...)
	e.attr.Size = len(data)
	e.attr.Mtime = now
	e.attr.Ctime = now
	log.Printf("extent: put %d (%d bytes)", id, len(data))
}

// Get returns the contents of id. The access time moves only when it is
// older than the last change or more than a day old, like relatime.
func (s *Server) Get(id uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoEntry, id)
	}
	now := s.now().Unix()
	if e.attr.Atime < e.attr.Mtime || e.attr.Atime < e.attr.Ctime || e.attr.Atime < now-24*60*60 {
		e.attr.Atime = now
	}
	return append([]byte(nil), e.data...), nil
}

func (s *Server) Getattr(id uint64) (Attr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extents[id]
	if !ok {
		return Attr{}, fmt.Errorf("%w: %d", ErrNoEntry, id)
	}
	return e.attr, nil
}

func (s *Server) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.extents[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNoEntry, id)
	}
	delete(s.extents, id)
	log.Printf("extent: remove %d", id)
	return nil
}
