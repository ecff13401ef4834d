package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRefusesRegistrationWhileClosing(t *testing.T) {
	h := newHub()
	t.Cleanup(h.stop)

	first := &Connection{id: "first"}
	late := &Connection{id: "late"}

	var registered bool
	require.True(t, h.exec(func(s *hubState) { registered = s.register(first) }))
	assert.True(t, registered)

	var drained []*Connection
	h.exec(func(s *hubState) { drained = s.drain() })
	require.Len(t, drained, 1)
	assert.Same(t, first, drained[0])

	h.exec(func(s *hubState) { registered = s.register(late) })
	assert.False(t, registered)

	var ids []string
	h.exec(func(s *hubState) {
		for id := range s.conns {
			ids = append(ids, id)
		}
	})
	assert.Equal(t, []string{"first"}, ids)
}

func TestHubRoomsFollowMembership(t *testing.T) {
	h := newHub()
	t.Cleanup(h.stop)
	c := &Connection{id: "c"}

	h.exec(func(s *hubState) {
		s.register(c)
		s.join(c, "lobby")
		s.join(c, "ops")
	})
	var rooms []string
	h.exec(func(s *hubState) { rooms = s.roomsOf(c) })
	assert.ElementsMatch(t, []string{"lobby", "ops"}, rooms)

	h.exec(func(s *hubState) { s.unregister(c) })
	var recipients []*Connection
	h.exec(func(s *hubState) { recipients = s.recipients("lobby") })
	assert.Empty(t, recipients)

	h.stop()
	assert.False(t, h.exec(func(*hubState) {}))
}
