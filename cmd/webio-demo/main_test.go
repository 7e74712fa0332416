package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-webio/session"
)

// scriptedIO replays events and records sent messages.
type scriptedIO struct {
	events []session.Event
	sent   []session.Message
}

func (s *scriptedIO) Send(msg session.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *scriptedIO) Receive() (session.Event, error) {
	if len(s.events) == 0 {
		return nil, session.ErrSessionClosed
	}

	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedIO) Context() context.Context {
	return context.Background()
}

func (s *scriptedIO) SessionID() uint32 {
	return 1
}

func TestCounter(t *testing.T) {
	t.Run("counts clicks until done", func(t *testing.T) {
		io := &scriptedIO{events: []session.Event{
			{"event": "click", "id": "inc"},
			{"event": "click", "id": "inc"},
			{"event": "hover"},
			{"event": "click", "id": "done"},
			{"event": "click", "id": "inc"},
		}}

		require.NoError(t, counter(context.Background(), io))

		require.Len(t, io.sent, 6)
		assert.Equal(t, "button", io.sent[0]["command"])
		assert.Equal(t, "button", io.sent[1]["command"])
		assert.Equal(t, 1, io.sent[2]["count"])
		assert.Equal(t, 2, io.sent[3]["count"])
		assert.Equal(t, session.Event{"event": "hover"}, io.sent[4]["echo"])
		assert.Equal(t, "final count 2", io.sent[5]["text"])
		assert.Len(t, io.events, 1)
	})

	t.Run("stops when the session closes", func(t *testing.T) {
		io := &scriptedIO{}
		assert.ErrorIs(t, counter(context.Background(), io), session.ErrSessionClosed)
		assert.Len(t, io.sent, 2)
	})
}
