package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T) *Loop {
	t.Helper()

	l := New()
	go func() {
		_ = l.Run()
	}()

	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})

	return l
}

func TestLoop_RunsCallbacksInOrder(t *testing.T) {
	l := runLoop(t)

	const n = 1000
	got := make([]int, 0, n)
	finished := make(chan struct{})

	for i := range n {
		require.True(t, l.Post(func() {
			got = append(got, i)
			if i == n-1 {
				close(finished)
			}
		}))
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks did not run")
	}

	for i := range n {
		assert.Equal(t, i, got[i])
	}
}

func TestLoop_ConcurrentPostersKeepPerPosterOrder(t *testing.T) {
	l := runLoop(t)

	const posters = 8
	const perPoster = 200

	seen := make(map[int][]int)
	var wg sync.WaitGroup
	var done sync.WaitGroup
	done.Add(posters * perPoster)

	for p := range posters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perPoster {
				l.Post(func() {
					seen[p] = append(seen[p], i)
					done.Done()
				})
			}
		}()
	}

	wg.Wait()
	done.Wait()

	finished := make(chan struct{})
	l.Post(func() {
		for p := range posters {
			if !assert.Len(t, seen[p], perPoster) {
				continue
			}
			for i := range perPoster {
				assert.Equal(t, i, seen[p][i])
			}
		}
		close(finished)
	})
	<-finished
}

func TestLoop_Stop(t *testing.T) {
	t.Run("post after stop is refused", func(t *testing.T) {
		l := New()
		l.Stop()

		assert.False(t, l.Post(func() {}))
		assert.NoError(t, l.Run())

		select {
		case <-l.Done():
		default:
			t.Fatal("done not closed after run returned")
		}
	})

	t.Run("stop from a callback ends run", func(t *testing.T) {
		l := New()
		errCh := make(chan error, 1)
		go func() { errCh <- l.Run() }()

		var ranAfterStop bool
		l.Post(func() { l.Stop() })
		l.Post(func() { ranAfterStop = true })

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return")
		}

		assert.False(t, ranAfterStop)
		assert.Error(t, l.Context().Err())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		l := New()
		assert.NotPanics(t, func() {
			l.Stop()
			l.Stop()
		})
	})
}

func TestLoop_RunTwice(t *testing.T) {
	l := runLoop(t)

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	<-ran

	assert.ErrorIs(t, l.Run(), ErrLoopRunning)
}
