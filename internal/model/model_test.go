package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskSkipped}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}

	nonTerminal := []TaskStatus{TaskNotStarted, TaskReady, TaskRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestNewID_Unique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
}
