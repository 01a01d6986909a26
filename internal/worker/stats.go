package worker

import "sync/atomic"

// Stats counts what the loop has seen. The loop is the only writer; the
// monitor endpoint reads concurrently, so everything is atomic.
type Stats struct {
	Batches        atomic.Int64
	Requests       atomic.Int64
	Evictions      atomic.Int64
	UnknownReqs    atomic.Int64
	DecodeErrors   atomic.Int64
	ProtocolErrors atomic.Int64
	SendRetries    atomic.Int64
	SendFailures   atomic.Int64
	LiveRequests   atomic.Int64
}

// Snapshot is a point-in-time copy of the counters, shaped for the
// monitor endpoint's JSON response.
type Snapshot struct {
	Batches        int64 `json:"batches"`
	Requests       int64 `json:"requests"`
	Evictions      int64 `json:"evictions"`
	UnknownReqs    int64 `json:"unknown_requests"`
	DecodeErrors   int64 `json:"decode_errors"`
	ProtocolErrors int64 `json:"protocol_errors"`
	SendRetries    int64 `json:"send_retries"`
	SendFailures   int64 `json:"send_failures"`
	LiveRequests   int64 `json:"live_requests"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Batches:        s.Batches.Load(),
		Requests:       s.Requests.Load(),
		Evictions:      s.Evictions.Load(),
		UnknownReqs:    s.UnknownReqs.Load(),
		DecodeErrors:   s.DecodeErrors.Load(),
		ProtocolErrors: s.ProtocolErrors.Load(),
		SendRetries:    s.SendRetries.Load(),
		SendFailures:   s.SendFailures.Load(),
		LiveRequests:   s.LiveRequests.Load(),
	}
}
