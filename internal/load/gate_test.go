package load

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_PauseWaitsForEveryWorker(t *testing.T) {
	g := newGate()
	done := g.pause(3)

	results := make(chan error, 3)
	park := func() {
		_, err := g.wait(context.Background())
		results <- err
	}
	go park()
	go park()

	select {
	case <-done:
		t.Fatal("pause reported complete before every worker parked")
	case <-time.After(30 * time.Millisecond):
	}

	go park()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pause never completed")
	}

	g.resumeAll()
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-results)
	}
}

func TestGate_PauseWithNoWorkersCompletesImmediately(t *testing.T) {
	g := newGate()
	select {
	case <-g.pause(0):
	case <-time.After(time.Second):
		t.Fatal("pausing an empty pool must complete at once")
	}
	g.resumeAll()
}

func TestGate_WorkerGoneUnblocksBarrier(t *testing.T) {
	g := newGate()
	done := g.pause(2)

	go func() { _, _ = g.wait(context.Background()) }()
	g.workerGone()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("an exiting worker wedged the pause barrier")
	}
	g.resumeAll()
}

func TestGate_PauseSignalInterruptsScheduleSleeps(t *testing.T) {
	g := newGate()
	sig := g.pauseSignal()
	select {
	case <-sig:
		t.Fatal("pause signal fired before any pause")
	default:
	}

	<-g.pause(0)
	select {
	case <-sig:
	default:
		t.Fatal("pause did not close the signal channel")
	}

	g.resumeAll()
	select {
	case <-g.pauseSignal():
		t.Fatal("resume must arm a fresh signal channel")
	default:
	}
}

func TestGate_WaitWithoutPauseReturnsImmediately(t *testing.T) {
	g := newGate()
	parked, err := g.wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, parked)
}

func TestGate_WaitHonorsContext(t *testing.T) {
	g := newGate()
	g.pause(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := g.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
