package gateway

import "sync"

// hub owns the open-connection set and room memberships. All access goes
// through commands executed on its goroutine.
type hub struct {
	commands chan func(*hubState)
	done     chan struct{}
	stopOnce sync.Once
}

type hubState struct {
	conns   map[string]*Connection
	rooms   map[string]map[string]*Connection
	closing bool
}

func newHub() *hub {
	h := &hub{
		commands: make(chan func(*hubState)),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) run() {
	state := &hubState{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
	for {
		select {
		case <-h.done:
			return
		case cmd := <-h.commands:
			cmd(state)
		}
	}
}

// exec runs cmd on the hub goroutine and waits for it to finish. It reports
// false once the hub has stopped.
func (h *hub) exec(cmd func(*hubState)) bool {
	finished := make(chan struct{})
	wrapped := func(s *hubState) {
		defer close(finished)
		cmd(s)
	}
	select {
	case <-h.done:
		return false
	case h.commands <- wrapped:
	}
	<-finished
	return true
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// register adds c to the open set. It refuses once the gateway is closing.
func (s *hubState) register(c *Connection) bool {
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	return true
}

// drain marks the set as closing and returns every open connection.
func (s *hubState) drain() []*Connection {
	s.closing = true
	return s.recipients("")
}

func (s *hubState) unregister(c *Connection) bool {
	if _, ok := s.conns[c.id]; !ok {
		return false
	}
	delete(s.conns, c.id)
	for room, members := range s.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	return true
}

func (s *hubState) join(c *Connection, room string) bool {
	if _, ok := s.conns[c.id]; !ok {
		return false
	}
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		s.rooms[room] = members
	}
	members[c.id] = c
	return true
}

func (s *hubState) leave(c *Connection, room string) {
	members := s.rooms[room]
	if members == nil {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

// recipients returns the connections addressed by room, or every connection
// when room is empty.
func (s *hubState) recipients(room string) []*Connection {
	source := s.conns
	if room != "" {
		source = s.rooms[room]
	}
	out := make([]*Connection, 0, len(source))
	for _, c := range source {
		out = append(out, c)
	}
	return out
}

func (s *hubState) roomsOf(c *Connection) []string {
	var rooms []string
	for room, members := range s.rooms {
		if _, ok := members[c.id]; ok {
			rooms = append(rooms, room)
		}
	}
	return rooms
}
