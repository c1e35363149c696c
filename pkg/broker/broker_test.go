// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/abstractmachines/edgegate/logger"
	"github.com/abstractmachines/edgegate/pkg/broker"
	"github.com/abstractmachines/edgegate/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg(t *testing.T, payload string) message.Message {
	t.Helper()
	m, err := message.New(map[string]string{"k": "v"}, []byte(payload), []string{"k"})
	require.NoError(t, err)
	return m
}

func TestSingleLinkDelivery(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)

	var aGot, bGot int32
	require.NoError(t, b.AddModule("A", func(message.Message) { atomicInc(&aGot) }))
	require.NoError(t, b.AddModule("B", func(message.Message) { atomicInc(&bGot) }))
	require.NoError(t, b.AddLink("A", "B"))

	require.NoError(t, b.Publish("A", newMsg(t, "hi")))

	waitFor(t, func() bool { return loadInt32(&bGot) == 1 })
	assert.EqualValues(t, 0, loadInt32(&aGot))
}

func TestPublishZeroSubscribersIsNoop(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	err := b.Publish("nobody", newMsg(t, "x"))
	assert.NoError(t, err)
}

func TestDuplicateModuleRejected(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	require.NoError(t, b.AddModule("x", func(message.Message) {}))
	err := b.AddModule("x", func(message.Message) {})
	assert.Error(t, err)
}

func TestRemoveModuleIsIdempotentOnAbsent(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	err := b.RemoveModule("ghost")
	assert.Error(t, err)
}

func TestDuplicateLinkRejected(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	require.NoError(t, b.AddModule("A", func(message.Message) {}))
	require.NoError(t, b.AddModule("B", func(message.Message) {}))
	require.NoError(t, b.AddLink("A", "B"))
	assert.Error(t, b.AddLink("A", "B"))
}

func TestRemoveLinkRoundTrip(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	require.NoError(t, b.AddModule("A", func(message.Message) {}))
	require.NoError(t, b.AddModule("B", func(message.Message) {}))
	require.NoError(t, b.AddLink("A", "B"))
	assert.True(t, b.HasLink("A", "B"))

	require.NoError(t, b.RemoveLink("A", "B"))
	assert.False(t, b.HasLink("A", "B"))
	assert.Error(t, b.RemoveLink("A", "B"))
}

func TestQueueOverflowDropsOnlyForThatSubscriber(t *testing.T) {
	b := broker.New(logger.NewMock(), 1)

	block := make(chan struct{})
	var received int32
	require.NoError(t, b.AddModule("slow", func(message.Message) {
		<-block
		atomicInc(&received)
	}))
	require.NoError(t, b.AddModule("fast", func(message.Message) { atomicInc(&received) }))
	require.NoError(t, b.AddLink("pub", "slow"))
	require.NoError(t, b.AddLink("pub", "fast"))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("pub", newMsg(t, "m")))
	}
	close(block)

	waitFor(t, func() bool { return loadInt32(&received) >= 2 })
}

func TestRemoveModuleDetachesLinks(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	require.NoError(t, b.AddModule("A", func(message.Message) {}))
	require.NoError(t, b.AddModule("B", func(message.Message) {}))
	require.NoError(t, b.AddLink("A", "B"))
	require.NoError(t, b.RemoveModule("B"))
	assert.False(t, b.HasLink("A", "B"))
}

func TestBrokerRefCounting(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	assert.Equal(t, 1, b.RefCount())
	b.IncRef()
	assert.Equal(t, 2, b.RefCount())
	assert.False(t, b.DecRef())
	assert.True(t, b.DecRef())
}

func TestFaultingReceiveDoesNotTakeDownWorker(t *testing.T) {
	b := broker.New(logger.NewMock(), 0)
	var calls int32
	require.NoError(t, b.AddModule("flaky", func(message.Message) {
		atomicInc(&calls)
		if loadInt32(&calls) == 1 {
			panic("boom")
		}
	}))
	require.NoError(t, b.AddLink("pub", "flaky"))

	require.NoError(t, b.Publish("pub", newMsg(t, "1")))
	require.NoError(t, b.Publish("pub", newMsg(t, "2")))

	waitFor(t, func() bool { return loadInt32(&calls) == 2 })
}

func atomicInc(p *int32) {
	mu.Lock()
	defer mu.Unlock()
	*p++
}

func loadInt32(p *int32) int32 {
	mu.Lock()
	defer mu.Unlock()
	return *p
}

var mu sync.Mutex

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}
