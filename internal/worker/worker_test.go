package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSuccessfulReply(t *testing.T) {
	w := New(Normal, 0)
	req := RequestMessage{
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return args[0].(int) * 2, nil
		},
		Args: []interface{}{21},
	}

	out := w.Dispatch(context.Background(), req)
	msg, ok := <-out
	require.True(t, ok)
	assert.Equal(t, MsgReply, msg.Type)
	assert.True(t, msg.Ok)
	assert.Equal(t, 42, msg.Value)

	_, ok = <-out
	assert.False(t, ok, "channel should close after the single reply")
}

func TestDispatchErrorReply(t *testing.T) {
	w := New(Normal, 0)
	req := RequestMessage{
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	}
	out := w.Dispatch(context.Background(), req)
	msg := <-out
	assert.Equal(t, MsgReply, msg.Type)
	assert.False(t, msg.Ok)
	require.NotNil(t, msg.Err)
	assert.Equal(t, "boom", msg.Err.Message)
}

func TestDispatchRecoversPanic(t *testing.T) {
	w := New(Normal, 0)
	req := RequestMessage{
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}
	out := w.Dispatch(context.Background(), req)
	msg := <-out
	assert.Equal(t, MsgReply, msg.Type)
	assert.False(t, msg.Ok)
	assert.Contains(t, msg.Err.Message, "kaboom")
}

func TestDispatchWhileBusyPanics(t *testing.T) {
	w := New(Normal, 0)
	block := make(chan struct{})
	req := RequestMessage{
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			<-block
			return nil, nil
		},
	}
	w.Dispatch(context.Background(), req)

	assert.Panics(t, func() {
		w.Dispatch(context.Background(), req)
	})
	close(block)
}

func TestTerminateReportsExit(t *testing.T) {
	w := New(Normal, 0)
	block := make(chan struct{})
	req := RequestMessage{
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	w.Dispatch(context.Background(), req)
	go func() { close(block) }()

	w.Terminate()

	select {
	case sig := <-w.Exited():
		assert.Equal(t, 137, sig.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit signal")
	}

	assert.NotPanics(t, w.Terminate, "terminate must be idempotent")
}

func TestGeneratorYieldsThenEnds(t *testing.T) {
	w := New(Generator, 0)
	req := RequestMessage{
		GenFn: func(ctx context.Context, args []interface{}, env map[string]interface{}, yield Yielder) (interface{}, error) {
			for i := 0; i < 3; i++ {
				if !yield(i) {
					return nil, nil
				}
			}
			return "done", nil
		},
	}
	out := w.Dispatch(context.Background(), req)

	var yielded []interface{}
	for msg := range out {
		switch msg.Type {
		case MsgYield:
			yielded = append(yielded, msg.Value)
		case MsgReturn:
			assert.Equal(t, "done", msg.Value)
		case MsgEnd:
		default:
			t.Fatalf("unexpected message type %v", msg.Type)
		}
	}
	assert.Equal(t, []interface{}{0, 1, 2}, yielded)
}

func TestGeneratorErrorEndsWithError(t *testing.T) {
	w := New(Generator, 0)
	req := RequestMessage{
		GenFn: func(ctx context.Context, args []interface{}, env map[string]interface{}, yield Yielder) (interface{}, error) {
			yield(1)
			return nil, errors.New("stream broke")
		},
	}
	out := w.Dispatch(context.Background(), req)

	var sawError bool
	for msg := range out {
		if msg.Type == MsgError {
			sawError = true
			assert.Equal(t, "stream broke", msg.Err.Message)
		}
	}
	assert.True(t, sawError)
}

func TestFunctionCacheEviction(t *testing.T) {
	w := New(Normal, 2)
	w.Remember(1)
	w.Remember(2)
	assert.Equal(t, 2, w.FunctionCacheSize())
	w.Remember(3)
	assert.Equal(t, 1, w.FunctionCacheSize())
}

func TestNextIDIsMonotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	assert.Greater(t, b, a)
}
