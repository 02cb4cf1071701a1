package mux

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func gone(s *Session, id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.gone[id]
	return ok
}

func TestGone_Bounded(t *testing.T) {
	t.Parallel()
	s := NewSession(bytes.NewReader(nil), io.Discard, nil)
	for i := range maxGone + 10 {
		st, err := s.Open("cr" + strconv.Itoa(i))
		require.NoError(t, err)
		require.NoError(t, st.Destroy(nil))
	}

	s.mx.Lock()
	n, order := len(s.gone), len(s.goneIDs)
	s.mx.Unlock()
	require.Equal(t, maxGone, n)
	require.Equal(t, maxGone, order)
	require.False(t, gone(s, "cr0"))
	require.True(t, gone(s, "cr"+strconv.Itoa(maxGone+9)))
}

func TestGone_ForgetOnRemoteEnd(t *testing.T) {
	t.Parallel()
	var frames bytes.Buffer
	w := NewSession(bytes.NewReader(nil), &frames, nil)
	ended, err := w.Open("cr1")
	require.NoError(t, err)
	_, err = ended.Write([]byte("late"))
	require.NoError(t, err)
	require.NoError(t, ended.Close())
	destroyed, err := w.Open("cr2")
	require.NoError(t, err)
	require.NoError(t, destroyed.Destroy(nil))

	opened := 0
	s := NewSession(&frames, io.Discard, func(*Stream) { opened++ })
	s.release("cr1", true)
	s.release("cr2", true)
	require.True(t, gone(s, "cr1"))

	require.NoError(t, s.Run(context.Background()))
	require.Zero(t, opened)
	require.False(t, gone(s, "cr1"))
	require.False(t, gone(s, "cr2"))
}
