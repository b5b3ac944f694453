// README: Relay from the per-instance event queue to live sockets.
package realtime

import (
	"context"

	"convoy/internal/events"
)

// Frame names pushed to clients.
const (
	FrameNewAlert         = "new_alert"
	FrameRequestAccepted  = "request_accepted"
	FrameDriverArrived    = "driver_arrived"
	FrameRideStarted      = "ride_started"
	FrameRequestCompleted = "request_completed"
	FrameRequestCancelled = "request_cancelled"
)

var requesterFrames = map[string]string{
	events.RequestAccepted:  FrameRequestAccepted,
	events.RequestArrived:   FrameDriverArrived,
	events.RequestStarted:   FrameRideStarted,
	events.RequestCompleted: FrameRequestCompleted,
	events.RequestCancelled: FrameRequestCancelled,
}

// Relay returns the handler for this instance's realtime queue. Subjects
// without a socket here are skipped; another instance may hold them.
func (h *Hub) Relay() events.Handler {
	return func(_ context.Context, e events.Event) error {
		if e.Type == events.RequestDispatched {
			if e.WorkerID != "" {
				h.PushToWorker(e.WorkerID, FrameNewAlert, e.Payload)
			}
			return nil
		}
		frame, ok := requesterFrames[e.Type]
		if !ok || e.RequesterID == "" {
			return nil
		}
		h.NotifyRequester(e.RequesterID, frame, e.Payload)
		if e.Type == events.RequestCancelled && e.WorkerID != "" {
			h.PushToWorker(e.WorkerID, FrameRequestCancelled, e.Payload)
		}
		return nil
	}
}
