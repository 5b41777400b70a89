package irrecoverable

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrowDelivers(t *testing.T) {
	s, errs := NewSignaler()
	violation := errors.New("header set disagrees with epoch")
	s.Throw(violation)

	got, ok := <-errs
	require.True(t, ok)
	assert.Equal(t, violation, got)
}

func TestThrowNeverBlocks(t *testing.T) {
	s, errs := NewSignaler()
	// no consumer; only the first throw fits, the rest are dropped
	s.Throw(errors.New("first"))
	s.Throw(errors.New("second"))
	s.Throw(errors.New("third"))

	got := <-errs
	assert.EqualError(t, got, "first")
	assert.Empty(t, errs)
}

func TestThrowAfterClose(t *testing.T) {
	s, errs := NewSignaler()
	s.Close()

	// a violation detected after shutdown is dropped, not a crash
	require.NotPanics(t, func() {
		s.Throw(errors.New("late violation"))
	})
	_, ok := <-errs
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := NewSignaler()
	s.Close()
	require.NotPanics(t, s.Close)
}

func TestThrowCloseConcurrent(t *testing.T) {
	s, errs := NewSignaler()
	go func() {
		for range errs {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Throw(errors.New("violation"))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Close()
	}()
	wg.Wait()
}
