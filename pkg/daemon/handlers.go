package daemon

import (
	"context"
	"fmt"

	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

func (d *Daemon) registerHandlers(srv *uds.Server) {
	srv.Handle(uds.MethodPing, d.handlePing)
	srv.Handle(uds.MethodStatus, d.handleStatus)
	srv.Handle(uds.MethodRecentRolls, d.handleRecentRolls)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true}, nil
}

func (d *Daemon) handleStatus(_ context.Context, _ uds.Message) (any, error) {
	return d.status.Snapshot(), nil
}

func (d *Daemon) handleRecentRolls(_ context.Context, msg uds.Message) (any, error) {
	var req uds.RecentRollsRequest
	if len(msg.Data) > 0 {
		if err := msg.UnmarshalData(&req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	return uds.RecentRollsResponse{Rolls: d.status.Recent(req.Limit)}, nil
}
