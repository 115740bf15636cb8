package command

import (
	"context"

	"turnguard/internal/model"
)

// LoopbackTransport keeps delivered commands in memory. It backs
// deployments without a device link and the dispatcher tests; commands
// sit pending until an ack is injected or the timeout fires.
type LoopbackTransport struct {
	DeliverFn func(ctx context.Context, cmd model.Command) error
	delivered chan model.Command
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{delivered: make(chan model.Command, 64)}
}

func (t *LoopbackTransport) Deliver(ctx context.Context, cmd model.Command) error {
	if t.DeliverFn != nil {
		return t.DeliverFn(ctx, cmd)
	}
	select {
	case t.delivered <- cmd:
	default:
	}
	return nil
}

// Delivered exposes the stream of delivered commands.
func (t *LoopbackTransport) Delivered() <-chan model.Command { return t.delivered }
