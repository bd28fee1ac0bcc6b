package mirror

import (
	"github.com/0x00A5/mirrord/internal/protocol"
)

// outboundQueue holds already-decided outbound messages that must reach the
// client before any newly produced event. FIFO, never reordered; Recv drains
// it before polling anything else. Used e.g. for the synthesized close that
// must follow a reported connection failure.
type outboundQueue struct {
	items []protocol.AgentMessage
}

func (q *outboundQueue) push(m protocol.AgentMessage) {
	q.items = append(q.items, m)
}

func (q *outboundQueue) pop() (protocol.AgentMessage, bool) {
	if len(q.items) == 0 {
		return protocol.AgentMessage{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}
