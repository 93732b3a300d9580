package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestShutdown_StepsGetOwnBudget(t *testing.T) {
	var order []string
	var remaining time.Duration

	shutdown(zap.NewNop(), []shutdownStep{
		{name: "sessions", budget: 50 * time.Millisecond, stop: func(ctx context.Context) error {
			order = append(order, "sessions")
			<-ctx.Done()
			return ctx.Err()
		}},
		{name: "http server", budget: time.Second, stop: func(ctx context.Context) error {
			order = append(order, "http server")
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			remaining = time.Until(deadline)
			return ctx.Err()
		}},
		{name: "browsers", stop: func(ctx context.Context) error {
			order = append(order, "browsers")
			_, ok := ctx.Deadline()
			assert.False(t, ok)
			return errors.New("already closed")
		}},
	})

	assert.Equal(t, []string{"sessions", "http server", "browsers"}, order)
	assert.Greater(t, remaining, 500*time.Millisecond, "an overrunning step must not eat the next budget")
}
