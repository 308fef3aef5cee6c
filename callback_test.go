package replicate

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	assert.Equal(t, 0, callbacks.Len())

	calls := []int{}
	callbackIdA := callbacks.Add(func() {
		calls = append(calls, 0)
	})
	callbacks.Add(func() {
		calls = append(calls, 1)
	})
	assert.Equal(t, 2, callbacks.Len())

	// fan out in add order
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, []int{0, 1}, calls)

	// remove exactly one
	callbacks.Remove(callbackIdA)
	assert.Equal(t, 1, callbacks.Len())
	calls = []int{}
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, []int{1}, calls)

	// removing again is a no-op
	callbacks.Remove(callbackIdA)
	assert.Equal(t, 1, callbacks.Len())

	callbacks.Clear()
	assert.Equal(t, 0, callbacks.Len())
}

func TestCallbackListRemoveDuringFanOut(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	calls := 0
	var unsub func()
	callbackId := callbacks.Add(func() {
		calls += 1
		unsub()
	})
	unsub = func() {
		callbacks.Remove(callbackId)
	}
	callbacks.Add(func() {
		calls += 1
	})

	// removal during iteration is safe
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, callbacks.Len())
}

func TestCallbackPanicIsolation(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	calls := 0
	callbacks.Add(func() {
		panic("bad subscriber")
	})
	callbacks.Add(func() {
		calls += 1
	})

	// a throwing subscriber does not prevent delivery to the rest
	for _, callback := range callbacks.Get() {
		callback := callback
		handleCallbackPanic(func() {
			callback()
		})
	}
	assert.Equal(t, 1, calls)
}

func TestCleanupList(t *testing.T) {
	cleanupList := NewCleanupList()

	order := []int{}
	cleanupList.Add(func() {
		order = append(order, 0)
	})
	cleanupList.Add(func() {
		order = append(order, 1)
	})
	cleanupList.Add(func() {
		panic("bad cleanup")
	})

	cleanupList.Close()
	// reverse add order, panic isolated
	assert.Equal(t, []int{1, 0}, order)

	// idempotent
	cleanupList.Close()
	assert.Equal(t, []int{1, 0}, order)

	// adding after close runs immediately
	ran := false
	cleanupList.Add(func() {
		ran = true
	})
	assert.Equal(t, true, ran)
}

func TestNodeToken(t *testing.T) {
	tokenA := NewNodeToken("pet")
	tokenB := NewNodeToken("pet")
	assert.NotEqual(t, tokenA, tokenB)
	assert.Equal(t, "pet", NodeTokenClass(tokenA))
	assert.Equal(t, true, len(tokenA) > len("pet/"))
}
