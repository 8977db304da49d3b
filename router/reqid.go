package router

import "sync/atomic"

// clientReqIDs hands out request ids for interactive client streams,
// wrapping well below the background id space.
var clientReqIDs atomic.Int32

const clientReqIDBase int32 = 1000

// NextClientRequestID allocates the next interactive request id. Ids stay
// in [clientReqIDBase, BGBase) so the storage policy can tell client
// streams from background ones.
func NextClientRequestID() int32 {
	next := clientReqIDs.Add(1)
	return clientReqIDBase + int32(uint32(next)%uint32(BGBase-clientReqIDBase))
}
