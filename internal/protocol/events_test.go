// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/common"
)

func TestEventMetadataAndScoping(t *testing.T) {
	event := ExecutionLifecycleEvent{
		Metadata: Metadata{
			ExecutionID:    "exec-1",
			IdempotencyKey: "key-1",
			Version:        common.CurrentProtocolVersion,
		},
		Type:       ExecutionStepCompleted,
		WorkflowID: "wf-1",
		StepID:     "step-1",
	}

	assert.Equal(t, "key-1", GetIdempotencyKey(event))
	assert.Equal(t, "exec-1", event.GetExecutionID())
	assert.Equal(t, "wf-1", event.GetWorkflowID())
}

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()

	ch1, cancel1 := d.Subscribe()
	ch2, cancel2 := d.Subscribe()
	defer cancel1()
	defer cancel2()

	event := WorkflowLifecycleEvent{Type: WorkflowPublished, WorkflowID: "wf-1"}
	d.Publish(event)

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, event, got1)
	assert.Equal(t, event, got2)
}

func TestDispatcherDropsWhenBufferFull(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Close()

	ch, cancel := d.Subscribe()
	defer cancel()

	d.Publish(ErrorEvent{Message: "first"})
	d.Publish(ErrorEvent{Message: "second, dropped"})

	assert.EqualValues(t, 1, d.Dropped())
	got := <-ch
	assert.Equal(t, "first", got.(ErrorEvent).Message)
	select {
	case extra, ok := <-ch:
		require.False(t, ok, "no second event expected, got %v", extra)
	default:
	}
}

func TestDispatcherCancelClosesChannel(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Close()

	ch, cancel := d.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancelled subscription channel must be closed")

	// Publishing after cancel must not panic.
	d.Publish(ErrorEvent{Message: "after cancel"})
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(1)
	ch, _ := d.Subscribe()

	d.Close()
	d.Close()

	_, ok := <-ch
	assert.False(t, ok)
	d.Publish(ErrorEvent{Message: "after close"})
	assert.EqualValues(t, 0, d.Dropped())
}
