package events

import (
	"sync"
	"testing"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribePublish(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, cancel := bus.Subscribe(taskID)
	defer cancel()

	bus.Publish(NewLogEvent(taskID, "info", "hello", nil))

	select {
	case e := <-ch:
		assert.Equal(t, TypeLog, e.Type)
		assert.Equal(t, taskID, e.TaskID)
		assert.Equal(t, "hello", e.Message)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_SeparateTopicsDoNotCrossDeliver(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskA, taskB := core.NewTaskID(), core.NewTaskID()
	chA, cancelA := bus.Subscribe(taskA)
	defer cancelA()
	chB, cancelB := bus.Subscribe(taskB)
	defer cancelB()

	bus.Publish(NewLogEvent(taskA, "info", "for a", nil))

	select {
	case e := <-chA:
		assert.Equal(t, taskA, e.TaskID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("chA should have received the event")
	}

	select {
	case <-chB:
		t.Fatal("chB should not receive taskA's event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(3)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, cancel := bus.Subscribe(taskID)
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(NewLogEvent(taskID, "info", "msg", nil))
	}

	require.Greater(t, bus.DroppedCount(taskID), int64(0))

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			goto done
		}
	}
done:
	assert.Greater(t, received, 0)
}

func TestBus_TerminalEventClosesTopic(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, _ := bus.Subscribe(taskID)

	bus.Publish(NewLogEvent(taskID, "info", "progress", nil))
	bus.Publish(NewCompleteEvent(taskID, "https://example.com/pr/1", "done"))

	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, TypeComplete, events[1].Type)

	// Subsequent subscribes open a brand new (empty) topic rather than
	// replaying history.
	ch2, cancel2 := bus.Subscribe(taskID)
	defer cancel2()
	select {
	case <-ch2:
		t.Fatal("new subscription should not see the closed topic's backlog")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_CancelledErrorClosesTopic(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, _ := bus.Subscribe(taskID)

	bus.Publish(NewErrorEvent(taskID, "cancelled by user", "CANCELLED"))

	_, ok := <-ch
	require.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok, "channel should close after a CANCELLED error event")
}

func TestBus_NonTerminalErrorLeavesTopicOpen(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, cancel := bus.Subscribe(taskID)
	defer cancel()

	bus.Publish(NewErrorEvent(taskID, "forge hiccup", "FORGE_TRANSIENT"))
	bus.Publish(NewLogEvent(taskID, "info", "still going", nil))

	select {
	case e := <-ch:
		assert.Equal(t, TypeError, e.Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout")
	}
	select {
	case e := <-ch:
		assert.Equal(t, TypeLog, e.Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("topic closed on a non-terminal error")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, cancel := bus.Subscribe(taskID)
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_CloseTaskForcesClose(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, _ := bus.Subscribe(taskID)

	bus.CloseTask(taskID)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := New(200)
	defer bus.Close()

	taskID := core.NewTaskID()
	ch, cancel := bus.Subscribe(taskID)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewLogEvent(taskID, "info", "concurrent", nil))
			}
		}()
	}
	wg.Wait()

	received := 0
drain:
	for {
		select {
		case <-ch:
			received++
		default:
			break drain
		}
	}
	assert.Greater(t, received, 0)
}

func TestBus_SubscribeOnClosedBus(t *testing.T) {
	bus := New(10)
	bus.Close()

	ch, _ := bus.Subscribe(core.NewTaskID())
	_, ok := <-ch
	assert.False(t, ok)
}
