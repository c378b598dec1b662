package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// placement is the gateway's answer for one leg.
type placement struct {
	ack domain.OrderAck
	err error
}

// placeLegs submits every leg concurrently and waits for all of them. A
// failing leg does not abort its siblings: an order already on the wire
// must be known so it can be cancelled. results[i] answers reqs[i].
func placeLegs(ctx context.Context, gw domain.OrderGateway, reqs []domain.OrderRequest) []placement {
	results := make([]placement, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			ack, err := gw.PlaceOrder(ctx, req)
			if err == nil && (!ack.Success || ack.OrderID == "") {
				err = &rejectedError{tokenID: req.TokenID, msg: ack.Message}
			}
			results[i] = placement{ack: ack, err: err}
			return err
		})
	}
	_ = g.Wait()
	return results
}

type rejectedError struct {
	tokenID string
	msg     string
}

func (e *rejectedError) Error() string {
	if e.msg == "" {
		return "order for " + e.tokenID + " rejected"
	}
	return "order for " + e.tokenID + " rejected: " + e.msg
}

func (e *rejectedError) Unwrap() error { return domain.ErrInvalidOrder }
