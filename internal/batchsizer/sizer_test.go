package batchsizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShrinksOnError(t *testing.T) {
	s := New(100, 10, false)
	s.NoteError()
	s.RecordWindow()
	require.Equal(t, 65, s.Current())
}

func TestGrowsOnCleanWindow(t *testing.T) {
	s := New(100, 10, false)
	s.NoteSuccess()
	s.RecordWindow()
	require.Equal(t, 100, s.Current()) // 100*1.005 = 100.5, truncates to 100
	for i := 0; i < 50; i++ {
		s.NoteSuccess()
		s.RecordWindow()
	}
	require.Greater(t, s.Current(), 100)
}

func TestSilentWindowDoesNotGrow(t *testing.T) {
	s := New(100, 10, false)
	s.RecordWindow() // no NoteError, no NoteSuccess: nothing happened this window
	require.Equal(t, 100, s.Current())
}

func TestNeverShrinksBelowFloor(t *testing.T) {
	s := New(20, 15, false)
	for i := 0; i < 10; i++ {
		s.NoteError()
		s.RecordWindow()
	}
	require.Equal(t, 15, s.Current())
}

func TestNeverGrowsAboveCeiling(t *testing.T) {
	s := New(499, 1, false)
	for i := 0; i < 1000; i++ {
		s.NoteSuccess()
		s.RecordWindow()
	}
	require.Equal(t, 500, s.Current())
}

func TestFixedModeIgnoresErrors(t *testing.T) {
	s := New(50, 1, true)
	s.NoteError()
	s.RecordWindow()
	require.Equal(t, 50, s.Current())
}

func TestErrorFlagResetsEachWindow(t *testing.T) {
	s := New(100, 10, false)
	s.NoteError()
	s.RecordWindow()
	require.Equal(t, 65, s.Current())
	s.NoteSuccess()
	s.RecordWindow() // clean window: should grow from 65, not shrink again
	require.Equal(t, 65, s.Current()) // 65*1.005 = 65.3, truncates to 65
}
