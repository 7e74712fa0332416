package wsserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConn_Bind(t *testing.T) {
	c := &Conn{}
	first := &recordingSession{}

	assert.Nil(t, c.Session())
	assert.NoError(t, c.Bind(first))
	assert.ErrorIs(t, c.Bind(&recordingSession{}), ErrSessionAlreadyBound)
	assert.Same(t, first, c.Session())
}

func TestConn_CloseFromSessionMarksOrigin(t *testing.T) {
	ts := startTestServer(t, waitForever)
	dial(t, ts.Port(), nil)
	s := ts.nextSession(t)

	var conn *Conn
	done := make(chan struct{})
	ts.Loop().Post(func() {
		defer close(done)
		ts.conns.Range(func(_ uint32, c *Conn) bool {
			conn = c
			return false
		})
		conn.closeFromSession()
		assert.True(t, conn.ClosedBySession())
		assert.True(t, conn.Closing())
		conn.Close()
	})
	<-done

	assert.Eventually(t, func() bool { return ts.ConnectionCount() == 0 }, testTimeout, 10*time.Millisecond)
	assert.Empty(t, s.closeCalls())
}
