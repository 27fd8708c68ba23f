// Package bus implements the link layer: stop-and-wait fragmentation and
// reassembly of messages into frames, ACK/REQ/NAK control exchange, and
// per-peer half-duplex turn state. A Bus owns its Transport and peer-state
// map exclusively; it runs no long-lived goroutines of its own (each
// Transport.Read is issued on a short-lived goroutine so the caller's
// context can interrupt the wait) and performs no concurrent dispatch to
// multiple peers (spec Non-goal). Blocking happens only inside
// Transport.Read, bounded externally by the caller's context.
package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/logging"
	"github.com/kstaniek/foconctl/internal/metrics"
)

// Transport is the byte-level carrier a Bus drives. Read returns whatever
// bytes are available, possibly none (for example when a read timeout
// expires), or an error from the underlying medium; it may return more than
// one frame's worth of bytes. Write sends a complete, already-framed buffer.
type Transport interface {
	Read() ([]byte, error)
	Write([]byte) error
}

// Sentinel errors for the bus layer, per the error handling design.
var (
	ErrTransport       = errors.New("bus: transport error")
	ErrPeerReject      = errors.New("bus: peer rejected message (nak)")
	ErrMessageTooLarge = errors.New("bus: message exceeds 255 fragments")
)

// Predicate decides whether a received frame is the one a caller is
// waiting for. Predicates are small first-class values rather than
// closures over mutable state, per the design notes.
type Predicate func(f frame.Frame) bool

// AcceptAnyAddressed matches any frame addressed to us or to broadcast;
// the Bus has already filtered foreign-destination frames before a
// predicate ever sees one, so this is equivalent to "anything delivered".
func AcceptAnyAddressed() Predicate {
	return func(frame.Frame) bool { return true }
}

// AcceptNakOnly matches only the NAK control overlay (empty payload,
// total==0), used while waiting for a peer to abandon a reassembly.
func AcceptNakOnly() Predicate {
	return func(f frame.Frame) bool { return f.IsControl() && f.IsNak() }
}

// peerState tracks in-flight reassembly and half-duplex turn for one peer.
type peerState struct {
	pending       []frame.Frame
	expectedFinal uint8 // Total field of the frame that will complete reassembly
	theirTurn     bool  // true once we've sent a REQ and are waiting on them
}

// TapFunc observes every frame the bus sends or decodes. direction is 'O'
// for frames we wrote, 'I' for frames we read off the transport; dropped is
// true for an 'I' frame addressed to neither us nor broadcast. A TapFunc
// must never block or call back into the Bus — it exists for a passive
// diagnostic tap (see the monitor package) and is invoked synchronously on
// the Bus's own goroutine.
type TapFunc func(direction byte, f frame.Frame, dropped bool)

// Bus is the link-layer driver for one serial medium. It is not safe for
// concurrent use; all methods are meant to be called from a single
// goroutine, matching the protocol's single-threaded, cooperative model.
type Bus struct {
	transport Transport
	ownID     frame.ID
	pending   *bytes.Buffer
	peers     map[frame.ID]*peerState
	tap       TapFunc
}

// New constructs a Bus addressed as ownID, driving t.
func New(t Transport, ownID frame.ID) *Bus {
	return &Bus{
		transport: t,
		ownID:     ownID,
		pending:   &bytes.Buffer{},
		peers:     make(map[frame.ID]*peerState),
	}
}

// SetTap installs fn as the bus's diagnostic tap, replacing any previous one.
func (b *Bus) SetTap(fn TapFunc) { b.tap = fn }

func (b *Bus) peer(id frame.ID) *peerState {
	p, ok := b.peers[id]
	if !ok {
		p = &peerState{}
		b.peers[id] = p
	}
	return p
}

// SendFrame packs and writes a single frame.
func (b *Bus) SendFrame(f frame.Frame) error {
	raw, err := frame.Pack(f)
	if err != nil {
		return fmt.Errorf("bus: pack frame: %w", err)
	}
	if err := b.transport.Write(raw); err != nil {
		metrics.IncError(metrics.ErrTransportWrite)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	metrics.IncFramesSent()
	if b.tap != nil {
		b.tap('O', f, false)
	}
	return nil
}

// sendControl sends a wire-identical control frame (num=0, total=0, empty
// payload) to dest. role is used only for metrics/logging, never encoded.
func (b *Bus) sendControl(dest frame.ID, role string) error {
	f := frame.Frame{Src: b.ownID, Dest: dest, Num: 0, Total: 0, Payload: nil}
	if err := b.SendFrame(f); err != nil {
		return err
	}
	metrics.IncControlFrame(role)
	return nil
}

// SendAck sends an ACK-role control frame to peer.
func (b *Bus) SendAck(peer frame.ID) error { return b.sendControl(peer, "ack") }

// SendReq sends a REQ-role control frame to peer, soliciting their next
// fragment, and marks that we are now waiting on their turn.
func (b *Bus) SendReq(peer frame.ID) error {
	if err := b.sendControl(peer, "req"); err != nil {
		return err
	}
	b.peer(peer).theirTurn = true
	return nil
}

// SendNak sends a NAK-role control frame to peer, abandoning a reassembly.
func (b *Bus) SendNak(peer frame.ID) error { return b.sendControl(peer, "nak") }

// SendMessage fragments payload into MaxPayload-sized frames addressed to
// dest and writes them, stop-and-wait: each fragment but the last is
// followed by waiting for an ACK from dest before the next is sent. It
// rejects payloads that would need more than 255 fragments before writing
// anything.
func (b *Bus) SendMessage(ctx context.Context, dest frame.ID, payload []byte) error {
	total := (len(payload) + frame.MaxPayload - 1) / frame.MaxPayload
	if total == 0 {
		total = 1
	}
	if total > 255 {
		return fmt.Errorf("%w: %d fragments", ErrMessageTooLarge, total)
	}

	for i := 0; i < total; i++ {
		start := i * frame.MaxPayload
		end := start + frame.MaxPayload
		if end > len(payload) {
			end = len(payload)
		}
		f := frame.Frame{
			Src:     b.ownID,
			Dest:    dest,
			Num:     uint8(i + 1),
			Total:   uint8(total),
			Payload: payload[start:end],
		}
		if err := b.SendFrame(f); err != nil {
			return err
		}
		if i == total-1 {
			break
		}
		if _, err := b.waitControl(ctx, dest, acceptAckOnly()); err != nil {
			return fmt.Errorf("bus: waiting for ack on fragment %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}

// acceptAckOnly matches the empty control frame a peer sends back after a
// non-final fragment; ACK is wire-identical to REQ/NAK, so it is recognised
// by role (we are waiting on that peer), not by content.
func acceptAckOnly() Predicate {
	return func(f frame.Frame) bool { return f.IsControl() && len(f.Payload) == 0 }
}

// waitControl reads frames from the transport, dropping anything not from
// peer or not matching pred, until a matching control frame arrives.
func (b *Bus) waitControl(ctx context.Context, peer frame.ID, pred Predicate) (frame.Frame, error) {
	for {
		f, err := b.recvFrame(ctx)
		if err != nil {
			return frame.Frame{}, err
		}
		if f.Src != peer {
			continue
		}
		if pred(f) {
			return f, nil
		}
	}
}

// RecvMessage blocks until a complete message addressed to us (or
// broadcast) from peer has been reassembled, or a control frame from peer
// matching pred arrives, or ctx is done. pred only gates control frames
// (e.g. AcceptNakOnly, waiting for a peer to abandon an exchange); a
// completed data reassembly is always delivered to the caller regardless
// of pred, since stop-and-wait reassembly success is not itself something
// a caller declines.
func (b *Bus) RecvMessage(ctx context.Context, peer frame.ID, pred Predicate) (frame.Frame, []frame.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return frame.Frame{}, nil, ctx.Err()
		default:
		}

		f, err := b.recvFrame(ctx)
		if err != nil {
			return frame.Frame{}, nil, err
		}

		if f.Src != peer {
			continue
		}

		if f.IsControl() {
			if pred(f) {
				return f, nil, nil
			}
			continue
		}

		ps := b.peer(f.Src)
		ps.pending = append(ps.pending, f)
		ps.expectedFinal = f.Total

		if err := b.SendAck(f.Src); err != nil {
			return frame.Frame{}, nil, err
		}

		last := ps.pending[len(ps.pending)-1]
		if last.Num == ps.expectedFinal {
			frames := ps.pending
			ps.pending = nil
			ps.expectedFinal = 0
			return last, frames, nil
		}
	}
}

// RecvNextMessage issues a REQ to peer and then waits for either the next
// fragment/message or a control frame matching pred terminating the
// exchange, returning (nil frames, ErrPeerReject) when pred matches
// instead of a reassembly completing. Callers collecting a multi-part
// dump pass AcceptNakOnly to stop at the peer's NAK.
func (b *Bus) RecvNextMessage(ctx context.Context, peer frame.ID, pred Predicate) ([]frame.Frame, error) {
	if err := b.SendReq(peer); err != nil {
		return nil, err
	}
	_, frames, err := b.RecvMessage(ctx, peer, pred)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		return nil, ErrPeerReject
	}
	b.peer(peer).theirTurn = false
	return frames, nil
}

// recvFrame reads and decodes the next frame addressed to us or to
// broadcast, resynchronizing on any structural decode error other than
// ErrNeedMore, and silently dropping frames addressed to someone else.
func (b *Bus) recvFrame(ctx context.Context) (frame.Frame, error) {
	for {
		f, consumed, err := tryDecode(b.pending.Bytes())
		if err == nil {
			b.pending.Next(consumed)
			if f.Dest != b.ownID && f.Dest != frame.Broadcast {
				metrics.IncFramesDropped()
				logging.L().Debug("frame_foreign_drop", "frame", f.String())
				if b.tap != nil {
					b.tap('I', f, true)
				}
				continue
			}
			metrics.IncFramesReceived()
			if b.tap != nil {
				b.tap('I', f, false)
			}
			return f, nil
		}
		if errors.Is(err, frame.ErrNeedMore) {
			if err := b.fill(ctx); err != nil {
				return frame.Frame{}, err
			}
			continue
		}

		// Any other structural error: discard the entire pending buffer and
		// resynchronize on the next read, per the resync policy.
		metrics.IncMalformed()
		metrics.IncResync()
		logging.L().Warn("frame_resync", "error", err)
		b.pending.Reset()
		if err := b.fill(ctx); err != nil {
			return frame.Frame{}, err
		}
	}
}

// tryDecode attempts Unpack and reports how many bytes were consumed on
// success (frame.Unpack doesn't say directly, so we derive it from the
// returned remainder length).
func tryDecode(buf []byte) (frame.Frame, int, error) {
	f, rest, err := frame.Unpack(buf)
	if err != nil {
		return frame.Frame{}, 0, err
	}
	return f, len(buf) - len(rest), nil
}

// readResult carries back the outcome of one Transport.Read call issued on
// its own goroutine so fill can select on ctx.Done() concurrently with it.
type readResult struct {
	chunk []byte
	err   error
}

// fill blocks on the transport for more bytes, appending them to pending.
// Transport.Read has no context of its own and may block indefinitely, so
// the read runs on a separate goroutine; fill returns as soon as either it
// completes or ctx is done. A read that outlives a cancelled ctx finishes
// in the background and its result is discarded.
func (b *Bus) fill(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	done := make(chan readResult, 1)
	go func() {
		chunk, err := b.transport.Read()
		done <- readResult{chunk: chunk, err: err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			metrics.IncError(metrics.ErrTransportRead)
			return fmt.Errorf("%w: %v", ErrTransport, r.err)
		}
		b.pending.Write(r.chunk)
		compactBuffer(b.pending)
		return nil
	}
}

// compactBuffer discards bytes already consumed so the backing array
// doesn't grow without bound across long-running resynchronizations.
func compactBuffer(buf *bytes.Buffer) {
	if buf.Len() == 0 {
		buf.Reset()
	}
}
