package domain

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestSessionKeepsInsertionOrder(t *testing.T) {
	s := NewSession("m-1", "c-1")
	s.Set("b", 1)
	s.Set("a", 2)
	s.Set("b", 3)

	assert.Equal(t, []string{SessionKeyMessageID, SessionKeyCorrelationID, "b", "a"}, s.Keys())
	v, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	s.Delete("b")
	assert.Equal(t, []string{SessionKeyMessageID, SessionKeyCorrelationID, "a"}, s.Keys())
	assert.Equal(t, "m-1", s.MessageID())
	assert.Equal(t, "c-1", s.CorrelationID())
}

func TestSessionGetStringRendersKnownTypes(t *testing.T) {
	s := NewSession("", "")
	s.Set("msg", Message("hello"))
	s.Set("err", errors.New("boom"))
	s.Set("num", 42)

	v, ok := s.GetString("msg")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	v, ok = s.GetString("err")
	assert.True(t, ok)
	assert.Equal(t, "boom", v)
	_, ok = s.GetString("num")
	assert.False(t, ok)
}

func TestSessionCloseRunsClosersOnceInReverseOrder(t *testing.T) {
	s := NewSession("", "")
	var order []int
	s.CloseOnExit(closerFunc(func() error { order = append(order, 1); return nil }))
	s.CloseOnExit(closerFunc(func() error { order = append(order, 2); return errors.New("second") }))

	err := s.Close()
	assert.EqualError(t, err, "second")
	assert.Equal(t, []int{2, 1}, order)
	assert.True(t, s.Closed())

	assert.NoError(t, s.Close())
	assert.Equal(t, []int{2, 1}, order)
}

func TestSessionConcurrentAccess(t *testing.T) {
	s := NewSession("", "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set("shared", i)
			_, _ = s.Get("shared")
			_ = s.Keys()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, s.Len())
}
