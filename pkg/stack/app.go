package stack

import "github.com/ryandielhenn/zephyrgroup/pkg/membership"

// Delivery is a broadcast handed to the application.
type Delivery struct {
	Origin  int
	Sender  membership.Endpoint
	Seq     uint64
	Order   uint64 // zero for regular deliveries
	Payload []byte
}

// Application receives the stack's notifications. All methods run on the
// stack's event goroutine and must not block; they may call back into the
// stack, which only queues the request.
type Application interface {
	// View reports an installed view.
	View(v *membership.View, ls *membership.LocalState)
	// Block asks the application to stop broadcasting. The stack reports to
	// the flush leader only after BlockOK.
	Block()
	// Regular is the optimistic delivery of a cast, in FIFO order per origin.
	Regular(d Delivery)
	// Uniform is the delivery of a cast in total order once a majority of
	// the view has it.
	Uniform(d Delivery)
	// Receive is a point-to-point message from rank from.
	Receive(from int, payload []byte)
	// Left is called once the process left the group.
	Left()
}
