package otc

import "context"

// Future is a handle on one in-flight request's result.
type Future struct {
	ticket int64
	cl     *Client
}

// Get blocks until the response for the future's ticket arrives or ctx
// expires. A context without a deadline inherits the client's default
// timeout; with neither, Get waits forever.
//
// Acknowledgement replies yield an empty result set. A server error reply
// surfaces as *ServerError, a dead connection as *ConnectionLostError, and
// an elapsed deadline as ErrTimeout; after a timeout the eventual late
// response is discarded internally.
func (f *Future) Get(ctx context.Context) (ResultSet, error) {
	v, err := f.cl.await(ctx, f.ticket)
	if err != nil {
		return nil, err
	}
	rs, _ := v.(ResultSet)
	return rs, nil
}
