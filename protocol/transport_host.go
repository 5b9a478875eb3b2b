package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTransportStopped = errors.New("transport stopped")
	ErrAckTimeout       = errors.New("ACK timeout")
	ErrResponseTimeout  = errors.New("response timeout")
)

// ResponseHandler is called for every non-ACK frame received from the device
type ResponseHandler func(msgID uint32, data *[]byte) error

// HostTransport is the client side of the link: it sends request frames,
// waits for the ACK and collects response frames.
type HostTransport struct {
	port io.ReadWriteCloser

	// Sequence tracking (0x10-0x1F for client frames)
	currentSeq     uint32
	isSynchronized uint32

	inputBuffer *ReceiveBuffer

	ackChan      chan *Message
	responseChan chan *Message

	responseHandler ResponseHandler

	// exchangeMutex serializes request/ACK/response round trips
	exchangeMutex sync.Mutex
	writeMutex    sync.Mutex
	readMutex     sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// Message represents a parsed frame
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Frame data without header/trailer
	CRC      uint16
}

// NewHostTransport creates a client transport and starts its reader
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		currentSeq:   MessageDest,
		inputBuffer:  NewReceiveBuffer(4 * MessageLengthMax),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}

	atomic.StoreUint32(&t.isSynchronized, 1)

	go t.readLoop()

	return t
}

// SendCommand sends a request and waits for its ACK
func (t *HostTransport) SendCommand(msgID uint32, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(msgID, args, 2*time.Second)
}

// SendCommandWithTimeout sends a request with a custom ACK timeout
func (t *HostTransport) SendCommandWithTimeout(msgID uint32, args func(output OutputBuffer), timeout time.Duration) error {
	msg, err := t.buildCommandMessage(msgID, args)
	if err != nil {
		return fmt.Errorf("failed to build command: %w", err)
	}

	if err := t.writeMessage(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := t.waitForAck(timeout); err != nil {
		return fmt.Errorf("waiting for ACK: %w", err)
	}

	return nil
}

// Exchange sends one request and returns the payload of its response.
// Responses left over from earlier timed out exchanges are discarded first.
func (t *HostTransport) Exchange(msgID uint32, args func(output OutputBuffer), timeout time.Duration) ([]byte, error) {
	t.exchangeMutex.Lock()
	defer t.exchangeMutex.Unlock()

	t.drainResponses()

	if err := t.SendCommandWithTimeout(msgID, args, timeout); err != nil {
		return nil, err
	}

	resp, err := t.ReceiveResponse(timeout)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// buildCommandMessage constructs a complete frame for the current sequence
func (t *HostTransport) buildCommandMessage(msgID uint32, args func(output OutputBuffer)) ([]byte, error) {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, msgID)
	if args != nil {
		args(scratch)
	}

	payload := scratch.Result()
	if len(payload) > MessagePayloadMax || scratch.Overflow() {
		return nil, fmt.Errorf("message too long: %d bytes (max %d): %w",
			len(payload)+MessageLengthMin, MessageLengthMax, ErrFrameTooLarge)
	}

	seq := uint8(atomic.LoadUint32(&t.currentSeq))
	return BuildFrame(seq, payload), nil
}

// writeMessage sends a frame to the port
func (t *HostTransport) writeMessage(msg []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	n, err := t.port.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}

	return nil
}

// waitForAck waits for the device to acknowledge the current sequence.
// The ACK carries the next sequence the device expects.
func (t *HostTransport) waitForAck(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-t.ackChan:
		sent := uint8(atomic.LoadUint32(&t.currentSeq))
		want := ((sent + 1) & MessageSeqMask) | MessageDest
		// Follow the device either way so the next frame is in step
		atomic.StoreUint32(&t.currentSeq, uint32(ack.Sequence))
		if ack.Sequence != want {
			return fmt.Errorf("sequence mismatch: expected 0x%02x, got 0x%02x", want, ack.Sequence)
		}
		return nil

	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrAckTimeout, timeout)

	case <-t.stopChan:
		return ErrTransportStopped
	}
}

// ReceiveResponse receives a response frame with timeout
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.responseChan:
		return resp, nil

	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrResponseTimeout, timeout)

	case <-t.stopChan:
		return nil, ErrTransportStopped
	}
}

// SetResponseHandler sets a callback for every response frame
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.responseHandler = handler
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, MessageLengthMax)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.processMessages(buffer[:n])
		}
		if err != nil {
			if isClosed(err) {
				return
			}
			// EOF here is a serial read timeout; back off and retry
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// processMessages appends chunk to the input buffer and dispatches every
// complete frame
func (t *HostTransport) processMessages(chunk []byte) {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	if t.inputBuffer.Write(chunk) < len(chunk) {
		t.inputBuffer.Reset()
		t.setSynchronized(false)
		return
	}

	data := t.inputBuffer.Data()

	for len(data) > 0 {
		if !t.getSynchronized() {
			syncPos := -1
			for i, b := range data {
				if b == MessageValueSync {
					syncPos = i
					break
				}
			}

			if syncPos >= 0 {
				data = data[syncPos+1:]
				t.setSynchronized(true)
			} else {
				data = nil
			}
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
			t.setSynchronized(false)
			continue
		}

		payload := make([]byte, msgLen-MessageLengthMin)
		copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])

		msg := &Message{
			Length:   data[MessagePositionLen],
			Sequence: data[MessagePositionSeq],
			Payload:  payload,
			CRC:      frameCRC,
		}
		data = data[msgLen:]

		t.dispatchMessage(msg)
	}

	consumed := t.inputBuffer.Available() - len(data)
	if consumed > 0 {
		t.inputBuffer.Pop(consumed)
	}
}

// dispatchMessage routes a frame: empty payload is an ACK/NAK
func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg:
		default:
			// Keep the newest ACK
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- msg
		}
		return
	}

	if t.responseHandler != nil {
		payloadCopy := append([]byte(nil), msg.Payload...)
		if msgID, err := DecodeVLQUint(&payloadCopy); err == nil {
			_ = t.responseHandler(msgID, &payloadCopy)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// Response channel full, drop oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

func (t *HostTransport) drainResponses() {
	for {
		select {
		case <-t.responseChan:
		case <-t.ackChan:
		default:
			return
		}
	}
}

// Close stops the reader and closes the port. The port is closed first so a
// Read blocked without timeout returns.
func (t *HostTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// Reset resets the transport state (useful after errors)
func (t *HostTransport) Reset() {
	atomic.StoreUint32(&t.isSynchronized, 1)
	atomic.StoreUint32(&t.currentSeq, MessageDest)

	t.drainResponses()

	t.readMutex.Lock()
	t.inputBuffer.Reset()
	t.readMutex.Unlock()
}

func (t *HostTransport) getSynchronized() bool {
	return atomic.LoadUint32(&t.isSynchronized) != 0
}

func (t *HostTransport) setSynchronized(val bool) {
	if val {
		atomic.StoreUint32(&t.isSynchronized, 1)
	} else {
		atomic.StoreUint32(&t.isSynchronized, 0)
	}
}

// GetCurrentSequence returns the sequence of the next outgoing frame
func (t *HostTransport) GetCurrentSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.currentSeq))
}
