package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

func env(sender int32, sdp string) wire.RelayEnvelope {
	return wire.RelayEnvelope{
		SenderID: sender,
		Message:  wire.SignalingMessage{ID: wire.HostID, Data: wire.Offer{SDP: sdp}},
	}
}

func recvSDP(t *testing.T, rx *Receiver) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := rx.Recv(ctx)
	require.NoError(t, err)
	return got.Message.Data.(wire.Offer).SDP
}

func TestChannel_FIFOPerSubscriber(t *testing.T) {
	ch, rx := New(DefaultCapacity)
	rx2 := ch.Subscribe()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, ch.Send(env(2, s)))
	}

	for _, r := range []*Receiver{rx, rx2} {
		assert.Equal(t, "a", recvSDP(t, r))
		assert.Equal(t, "b", recvSDP(t, r))
		assert.Equal(t, "c", recvSDP(t, r))
	}
}

func TestChannel_OverflowDropsOldestAndReportsLag(t *testing.T) {
	ch, rx := New(8)

	for i := 0; i < 11; i++ {
		require.NoError(t, ch.Send(env(2, string(rune('a'+i)))))
	}
	assert.Equal(t, 8, ch.Len())
	assert.Equal(t, 8, ch.Capacity())

	_, err := rx.Recv(context.Background())
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(3), lagged.Missed)

	// The receiver skipped forward to the oldest retained entry.
	for i := 3; i < 11; i++ {
		assert.Equal(t, string(rune('a'+i)), recvSDP(t, rx))
	}
}

func TestChannel_SendNeverBlocksWhenFull(t *testing.T) {
	ch, _ := New(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = ch.Send(env(2, "x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Send blocked on a full buffer")
	}
}

func TestChannel_SendWithoutSubscribersIsDisconnected(t *testing.T) {
	ch, rx := New(DefaultCapacity)
	rx.Close()
	rx.Close()

	assert.Equal(t, 0, ch.Subscribers())
	assert.ErrorIs(t, ch.Send(env(2, "x")), ErrNoSubscribers)
}

func TestChannel_CloseDrainsThenReportsClosed(t *testing.T) {
	ch, rx := New(DefaultCapacity)
	require.NoError(t, ch.Send(env(2, "last")))
	ch.Close()
	ch.Close()

	assert.True(t, ch.Closed())
	assert.ErrorIs(t, ch.Send(env(2, "late")), ErrClosed)
	assert.Equal(t, "last", recvSDP(t, rx))

	_, err := rx.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_CloseWakesBlockedReceiver(t *testing.T) {
	ch, rx := New(DefaultCapacity)

	errCh := make(chan error, 1)
	go func() {
		_, err := rx.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver not woken by Close")
	}
}

func TestReceiver_RecvHonorsContext(t *testing.T) {
	_, rx := New(DefaultCapacity)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rx.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestChannel_LateSubscriberStartsAtTail(t *testing.T) {
	ch, _ := New(DefaultCapacity)
	require.NoError(t, ch.Send(env(2, "before")))

	late := ch.Subscribe()
	require.NoError(t, ch.Send(env(2, "after")))

	assert.Equal(t, "after", recvSDP(t, late))
}

func TestChannel_ConcurrentSendersAndReceiver(t *testing.T) {
	ch, rx := New(1024)

	const senders, perSender = 8, 100
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				assert.NoError(t, ch.Send(env(id, "x")))
			}
		}(int32(s + 2))
	}
	wg.Wait()
	ch.Close()

	count := 0
	for {
		_, err := rx.Recv(context.Background())
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, senders*perSender, count)
}
