package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/types"
)

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *event.Bus) {
	t.Helper()
	bus := event.NewBus(event.NewMemoryLog(), event.BusConfig{PollInterval: 10 * time.Millisecond, PageSize: 16}, zap.NewNop(), nil)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	gw := NewGateway(bus, cfg, zap.NewNop(), nil)
	t.Cleanup(gw.Close)
	return gw, bus
}

func appendProgress(t require.TestingT, bus *event.Bus, taskID string, n int) {
	for i := 0; i < n; i++ {
		_, err := bus.Append(context.Background(), event.New(taskID, "s", event.StepProgress{Percent: float64(i % 100)}))
		require.NoError(t, err)
	}
}

func appendFinal(t require.TestingT, bus *event.Bus, taskID string) {
	_, err := bus.Append(context.Background(), event.New(taskID, "", event.FinalResult{Status: "COMPLETED"}))
	require.NoError(t, err)
}

// drain collects event seqs until the channel closes, ignoring heartbeats.
func drain(t *testing.T, s *Subscription) []int64 {
	t.Helper()
	var seqs []int64
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-s.C():
			if !ok {
				return seqs
			}
			if !m.Heartbeat {
				seqs = append(seqs, m.Seq())
			}
		case <-timeout:
			t.Fatal("subscription did not end")
		}
	}
}

func seqRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestGateway_DeliversInOrderAndEndsAfterTerminal(t *testing.T) {
	gw, bus := newTestGateway(t, Config{})
	appendProgress(t, bus, "t1", 5)

	s, err := gw.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	go func() {
		appendProgress(t, bus, "t1", 5)
		appendFinal(t, bus, "t1")
	}()

	assert.Equal(t, seqRange(0, 11), drain(t, s))
	assert.NoError(t, s.Err())
	assert.Eventually(t, func() bool { return gw.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestGateway_ReconnectIsGapless(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(1, 60).Draw(rt, "total")
		cut := rapid.IntRange(0, total).Draw(rt, "cut")

		bus := event.NewBus(event.NewMemoryLog(), event.BusConfig{PollInterval: 5 * time.Millisecond, PageSize: 7}, zap.NewNop(), nil)
		gw := NewGateway(bus, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop(), nil)
		defer gw.Close()
		appendProgress(rt, bus, "t", total)
		appendFinal(rt, bus, "t")

		first, err := gw.Subscribe(context.Background(), "t", 0)
		if err != nil {
			rt.Fatal(err)
		}
		var got []int64
		for len(got) < cut {
			m := <-first.C()
			if !m.Heartbeat {
				got = append(got, m.Seq())
			}
		}
		first.Close()
		<-first.Done()

		next := int64(0)
		if len(got) > 0 {
			next = got[len(got)-1] + 1
		}
		second, err := gw.Subscribe(context.Background(), "t", next)
		if err != nil {
			rt.Fatal(err)
		}
		for m := range second.C() {
			if !m.Heartbeat {
				got = append(got, m.Seq())
			}
		}
		if second.Err() != nil {
			rt.Fatal(second.Err())
		}
		want := seqRange(0, int64(total)+1)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			rt.Fatalf("got %v, want %v", got, want)
		}
	})
}

func TestGateway_SlowConsumerIsDropped(t *testing.T) {
	gw, bus := newTestGateway(t, Config{BufferSize: 2})

	s, err := gw.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	// 订阅之后的实时事件，无人读取
	appendProgress(t, bus, "t1", 10)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("slow consumer was not dropped")
	}

	assert.Equal(t, []int64{0, 1}, drain(t, s), "buffered messages are still delivered")
	assert.ErrorIs(t, s.Err(), ErrSlowConsumer)

	// producer is unaffected
	appendProgress(t, bus, "t1", 100)
	last, err := bus.LastSeq(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(109), last)
}

// A reader slower than the replay but still reading gets the whole backlog.
func TestGateway_BacklogIsPacedToTheReader(t *testing.T) {
	gw, bus := newTestGateway(t, Config{BufferSize: 32})
	appendProgress(t, bus, "t1", 200)
	appendFinal(t, bus, "t1")

	s, err := gw.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	var seqs []int64
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case m, ok := <-s.C():
			if !ok {
				done = true
				break
			}
			if !m.Heartbeat {
				seqs = append(seqs, m.Seq())
			}
			time.Sleep(time.Millisecond)
		case <-timeout:
			t.Fatalf("replay stalled after %d events", len(seqs))
		}
	}

	assert.Equal(t, seqRange(0, 201), seqs)
	assert.NoError(t, s.Err())
}

func TestGateway_Heartbeat(t *testing.T) {
	gw, _ := newTestGateway(t, Config{HeartbeatInterval: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	s, err := gw.Subscribe(context.Background(), "idle", 0)
	require.NoError(t, err)
	defer s.Close()

	select {
	case m := <-s.C():
		assert.True(t, m.Heartbeat)
		assert.Equal(t, int64(-1), m.Seq())
		data, err := json.Marshal(m)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"heartbeat"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestGateway_EndsOnContextCancel(t *testing.T) {
	gw, _ := newTestGateway(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := gw.Subscribe(ctx, "t1", 0)
	require.NoError(t, err)

	cancel()
	drain(t, s)
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestGateway_CloseSubscription(t *testing.T) {
	gw, _ := newTestGateway(t, Config{})
	s, err := gw.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	s.Close()
	drain(t, s)
	assert.NoError(t, s.Err())
	s.Close()
}

func TestGateway_Close(t *testing.T) {
	gw, _ := newTestGateway(t, Config{})
	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := gw.Subscribe(context.Background(), fmt.Sprintf("t%d", i), 0)
		require.NoError(t, err)
		subs[i] = s
	}
	gw.Close()

	for _, s := range subs {
		drain(t, s)
		assert.ErrorIs(t, s.Err(), ErrGatewayClosed)
	}
	_, err := gw.Subscribe(context.Background(), "t1", 0)
	assert.ErrorIs(t, err, ErrGatewayClosed)
	assert.Equal(t, 0, gw.Active())
}

func TestGateway_SubscribeValidation(t *testing.T) {
	gw, _ := newTestGateway(t, Config{})
	_, err := gw.Subscribe(context.Background(), "", 0)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	_, err = gw.Subscribe(context.Background(), "t1", -1)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestMessage_MarshalEvent(t *testing.T) {
	ev := event.New("t1", "outline", event.StepStart{Step: "outline", Index: 1})
	ev.Seq = 4
	data, err := json.Marshal(Message{Event: &ev})
	require.NoError(t, err)

	var back event.Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, int64(4), back.Seq)
	assert.Equal(t, event.StepStart{Step: "outline", Index: 1}, back.Payload)
}
