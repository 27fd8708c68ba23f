package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/foconctl/internal/bus"
	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/metrics"
)

// Bus is the subset of bus.Bus a MessageBus drives: fragmenting and sending
// one message, then collecting the fragments of the correlated reply.
type Bus interface {
	SendMessage(ctx context.Context, dest frame.ID, payload []byte) error
	RecvMessage(ctx context.Context, peer frame.ID, pred bus.Predicate) (frame.Frame, []frame.Frame, error)
	RecvNextMessage(ctx context.Context, peer frame.ID, pred bus.Predicate) ([]frame.Frame, error)
}

// MessageBus correlates outgoing commands with their replies on top of a
// link-layer Bus, reassembling multi-fragment messages transparently. The
// bus's Predicate only ever sees single frames, so it can't tell a command
// reply from an interleaved, unrelated message spanning the same
// reassembly path — that filtering happens here, where the command codec
// lives. A message whose command doesn't match what the current caller is
// waiting for is kept in pending, per peer, so a later SendCommand or
// RecvMessages for that peer still observes it instead of it being
// silently dropped.
type MessageBus struct {
	bus     Bus
	ownID   frame.ID
	pending map[frame.ID][]Message
}

// New constructs a MessageBus addressed as ownID, driving b.
func New(b Bus, ownID frame.ID) *MessageBus {
	return &MessageBus{bus: b, ownID: ownID, pending: make(map[frame.ID][]Message)}
}

// takePending removes and returns the first retained message from dest for
// which match returns true, or ok=false if none qualifies. match == nil
// matches the first retained message unconditionally.
func (mb *MessageBus) takePending(dest frame.ID, match func(Message) bool) (Message, bool) {
	queue := mb.pending[dest]
	for i, m := range queue {
		if match == nil || match(m) {
			mb.pending[dest] = append(queue[:i], queue[i+1:]...)
			return m, true
		}
	}
	return Message{}, false
}

// SendCommand packs cmd/payload into a Message, sends it to dest, and
// blocks for the correlated reply: a message from dest back to us carrying
// the same command code. Reassembly across REQ/ACK fragment exchanges is
// handled transparently via the underlying Bus. A reply seen in the
// meantime that carries a different command is not an error: it is
// retained so a later call for dest can still observe it, and this call
// keeps waiting for its own match or a NAK.
func (mb *MessageBus) SendCommand(ctx context.Context, dest frame.ID, cmd uint16, payload []byte) (Message, error) {
	m := Message{Src: mb.ownID, Dest: dest, Command: cmd, Payload: payload}
	raw, err := Pack(m)
	if err != nil {
		return Message{}, fmt.Errorf("message: pack command: %w", err)
	}

	if err := mb.bus.SendMessage(ctx, dest, raw); err != nil {
		return Message{}, fmt.Errorf("message: send command: %w", err)
	}
	metrics.IncCommandSent()

	if reply, ok := mb.takePending(dest, func(m Message) bool { return m.Command == cmd }); ok {
		return reply, nil
	}

	for {
		reply, err := mb.recvOne(ctx, dest)
		if err != nil {
			return Message{}, fmt.Errorf("message: recv reply: %w", err)
		}
		if reply.Command == cmd {
			return reply, nil
		}
		mb.pending[dest] = append(mb.pending[dest], reply)
	}
}

// RecvMessages collects every message dest sends until it NAKs, optionally
// filtered to the given command codes. Retained messages from earlier
// SendCommand/RecvMessages calls on dest are drained first. A peer NAK
// ends collection without error, matching a multi-part dump's natural
// termination; any other transport error is returned with what was
// collected so far discarded.
func (mb *MessageBus) RecvMessages(ctx context.Context, dest frame.ID, command ...uint16) ([]Message, error) {
	var want map[uint16]bool
	if len(command) > 0 {
		want = make(map[uint16]bool, len(command))
		for _, c := range command {
			want[c] = true
		}
	}
	accept := func(m Message) bool { return want == nil || want[m.Command] }

	var out []Message
	for {
		m, ok := mb.takePending(dest, accept)
		if !ok {
			break
		}
		out = append(out, m)
	}

	for {
		reply, err := mb.recvOne(ctx, dest)
		if err != nil {
			if errors.Is(err, bus.ErrPeerReject) {
				return out, nil
			}
			return nil, fmt.Errorf("message: recv messages: %w", err)
		}
		if accept(reply) {
			out = append(out, reply)
			continue
		}
		mb.pending[dest] = append(mb.pending[dest], reply)
	}
}

// recvOne requests and decodes the next message from peer, stopping at
// its NAK.
func (mb *MessageBus) recvOne(ctx context.Context, peer frame.ID) (Message, error) {
	frames, err := mb.bus.RecvNextMessage(ctx, peer, bus.AcceptNakOnly())
	if err != nil {
		return Message{}, err
	}
	reply, err := Unpack(reassemble(frames))
	if err != nil {
		return Message{}, fmt.Errorf("decode: %w", err)
	}
	return reply, nil
}

// reassemble concatenates the payloads of frames, already delivered in
// fragment order, into the bytes of one packed Message.
func reassemble(frames []frame.Frame) []byte {
	total := 0
	for _, f := range frames {
		total += len(f.Payload)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f.Payload...)
	}
	return out
}
