package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds one newline-delimited stdio message. Longer lines are
// answered with an Invalid Request error and skipped.
const MaxLineSize = 1 << 20

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", MaxLineSize)

// StdioTransport carries newline-delimited JSON-RPC over a reader and a
// writer, typically stdin and stdout of a co-located agent process.
type StdioTransport struct {
	in  *bufio.Reader
	out io.Writer

	recv chan *InboundMessage
	send chan *OutboundMessage

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// NewStdioTransport creates a stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	cfg = cfg.withDefaults()
	return &StdioTransport{
		in:   bufio.NewReaderSize(r, 64*1024),
		out:  w,
		recv: make(chan *InboundMessage, cfg.RecvBufferSize),
		send: make(chan *OutboundMessage, cfg.SendBufferSize),
		done: make(chan struct{}),
	}
}

// Recv returns the channel of incoming messages. It closes at EOF.
func (t *StdioTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *StdioTransport) Send(msg *OutboundMessage) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run reads and writes until ctx is cancelled, Close is called or the
// writer fails. The reader may stay blocked on input after Run returns; it
// exits at EOF.
func (t *StdioTransport) Run(ctx context.Context) error {
	go t.readLoop(ctx)

	wrote := make(chan struct{})
	go func() {
		defer close(wrote)
		t.writeLoop()
	}()

	select {
	case <-ctx.Done():
	case <-t.done:
	}
	t.Close()
	<-wrote

	if err := t.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close stops the transport. Queued messages are still written.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Err reports the write error that stopped the transport, if any.
func (t *StdioTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *StdioTransport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.Close()
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		line, err := t.readLine()
		if errors.Is(err, errLineTooLong) {
			t.Send(&OutboundMessage{Response: NewErrorResponse(nil,
				&Error{Code: InvalidRequest, Message: "Invalid Request", Data: err.Error()})})
			continue
		}
		if len(line) > 0 {
			msg, perr := ParseInbound(line)
			if perr != nil {
				t.Send(parseErrorResponse(line, perr))
			} else {
				select {
				case t.recv <- msg:
				case <-ctx.Done():
					return
				case <-t.done:
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// readLine returns the next line without its terminator. A final line
// without a newline is returned together with io.EOF.
func (t *StdioTransport) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := t.in.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineSize {
			line = nil
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = t.in.ReadSlice('\n')
			}
			if err != nil {
				return nil, err
			}
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), err
	}
}

func (t *StdioTransport) writeLoop() {
	for {
		select {
		case msg := <-t.send:
			if !t.write(msg) {
				return
			}
		case <-t.done:
			for {
				select {
				case msg := <-t.send:
					if !t.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *StdioTransport) write(msg *OutboundMessage) bool {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return true
	}
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		t.fail(fmt.Errorf("stdio write: %w", err))
		return false
	}
	return true
}
