// Package protocol carries requests and responses between the converter
// and its operators. A frame is
//
//	[len][seq][payload...][crc hi][crc lo][0x7E]
//
// where len counts the whole frame and seq is 0x10 plus a 4 bit counter.
// The device answers every accepted request with its response frame
// followed by an empty ACK frame carrying the next expected sequence.
package protocol

import (
	"errors"
	"sync/atomic"
)

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 255
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// scratchSize bounds one encoded payload with room to detect overflow
	scratchSize = 2 * MessageLengthMax
)

// ErrFrameTooLarge is returned when a payload does not fit one frame
var ErrFrameTooLarge = errors.New("payload exceeds frame size")

// RequestHandler answers one request payload with one response payload.
// A nil or empty response sends only the ACK.
type RequestHandler func(payload []byte) []byte

// TransportStats counts link level events since the last Reset
type TransportStats struct {
	Frames    uint32
	CRCErrors uint32
	Resyncs   uint32
	Dropped   uint32
}

// Transport is the device side of the link: it validates incoming frames,
// passes each payload to the handler and queues the response frame followed
// by the ACK into the output buffer.
type Transport struct {
	isSynchronized uint32 // atomic bool (0 = false, 1 = true)
	nextSequence   uint32 // expected sequence from the client (0x10-0x1F)

	frames    uint32
	crcErrors uint32
	resyncs   uint32
	dropped   uint32

	output        OutputBuffer
	handler       RequestHandler
	resetCallback func() // Called when the client restarts its sequence
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler RequestHandler) *Transport {
	return &Transport{
		isSynchronized: 1,
		nextSequence:   MessageDest,
		output:         output,
		handler:        handler,
	}
}

// Receive consumes complete frames from input. Partial frames are left in
// the buffer for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !t.getSynchronized() {
			syncPos := -1
			for i, b := range data {
				if b == MessageValueSync {
					syncPos = i
					break
				}
			}

			if syncPos < 0 {
				data = nil
				continue
			}
			// Skip garbage up to and including the sync byte
			data = data[syncPos+1:]
			t.setSynchronized(true)
			atomic.AddUint32(&t.resyncs, 1)
			t.encodeAckNak()
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			t.setSynchronized(false)
			continue
		}

		seq := data[MessagePositionSeq]
		if seq&^MessageSeqMask != MessageDest {
			t.setSynchronized(false)
			continue
		}

		if len(data) < msgLen {
			break
		}

		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			t.setSynchronized(false)
			continue
		}

		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			atomic.AddUint32(&t.crcErrors, 1)
			t.setSynchronized(false)
			continue
		}

		frame := data[MessageHeaderSize : msgLen-MessageTrailerSize]
		data = data[msgLen:]

		// Sequence back at MessageDest means the client reconnected
		expectedSeq := uint8(atomic.LoadUint32(&t.nextSequence))
		if seq == MessageDest && expectedSeq != MessageDest {
			atomic.StoreUint32(&t.nextSequence, MessageDest)
			expectedSeq = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}

		if seq == expectedSeq {
			nextSeq := ((seq + 1) & MessageSeqMask) | MessageDest
			atomic.StoreUint32(&t.nextSequence, uint32(nextSeq))
			atomic.AddUint32(&t.frames, 1)
			t.parseFrame(frame)
		} else {
			// Retransmit or stale frame: NAK with the expected sequence
			atomic.AddUint32(&t.dropped, 1)
		}
		t.encodeAckNak()
	}

	consumed := input.Available() - len(data)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

// parseFrame hands one payload to the handler and queues its response
func (t *Transport) parseFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.setSynchronized(false)
		}
	}()

	if t.handler == nil {
		return
	}
	resp := t.handler(frame)
	if len(resp) == 0 {
		return
	}
	_ = t.EncodeFrame(func(output OutputBuffer) {
		output.Output(resp)
	})
}

// encodeAckNak queues an empty frame carrying the next expected sequence
func (t *Transport) encodeAckNak() {
	ns := uint8(atomic.LoadUint32(&t.nextSequence))
	crc := CRC16([]byte{MessageLengthMin, ns})

	t.output.Output([]byte{
		MessageLengthMin,
		ns,
		uint8(crc >> 8),
		uint8(crc & 0xFF),
		MessageValueSync,
	})
}

// EncodeFrame writes one frame whose payload is produced by frameData.
// Responses share the ACK's sequence value.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	frameData(scratch)
	payload := scratch.Result()
	if len(payload) > MessagePayloadMax || scratch.Overflow() {
		return ErrFrameTooLarge
	}

	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output(BuildFrame(seq, payload))
	return nil
}

// BuildFrame wraps payload into a complete frame with the given sequence byte
func BuildFrame(seq uint8, payload []byte) []byte {
	msgLen := MessageLengthMin + len(payload)
	frame := make([]byte, 0, msgLen)
	frame = append(frame, uint8(msgLen), seq)
	frame = append(frame, payload...)
	crc := CRC16(frame)
	return append(frame, uint8(crc>>8), uint8(crc&0xFF), MessageValueSync)
}

// Reset resets the transport state (after a port reopen)
func (t *Transport) Reset() {
	atomic.StoreUint32(&t.isSynchronized, 1)
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	atomic.StoreUint32(&t.frames, 0)
	atomic.StoreUint32(&t.crcErrors, 0)
	atomic.StoreUint32(&t.resyncs, 0)
	atomic.StoreUint32(&t.dropped, 0)

	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback for client sequence restarts
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// Stats returns a snapshot of the link counters
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Frames:    atomic.LoadUint32(&t.frames),
		CRCErrors: atomic.LoadUint32(&t.crcErrors),
		Resyncs:   atomic.LoadUint32(&t.resyncs),
		Dropped:   atomic.LoadUint32(&t.dropped),
	}
}

func (t *Transport) getSynchronized() bool {
	return atomic.LoadUint32(&t.isSynchronized) != 0
}

func (t *Transport) setSynchronized(val bool) {
	if val {
		atomic.StoreUint32(&t.isSynchronized, 1)
	} else {
		atomic.StoreUint32(&t.isSynchronized, 0)
	}
}
