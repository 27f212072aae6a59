package lib

import "fmt"

type ChannelState int32

const (
	StateConnecting ChannelState = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type ClientState int32

const (
	ClientIdle ClientState = iota
	ClientConnecting
	ClientConnected
	ClientDisconnected
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectionHandler is told about every connect, failed connect and disconnect. The channel
// reports IsConnected() accordingly.
type ConnectionHandler interface {
	HandleConnection(ch *Channel)
}

type ConnectionHandlerFunc func(ch *Channel)

func (fn ConnectionHandlerFunc) HandleConnection(ch *Channel) { fn(ch) }

// MessageHandler receives buffered input. Bytes it does not consume from buf are handed to it
// again, together with newer input, on the next call. buf is only valid during the call.
type MessageHandler interface {
	HandleMessage(ch *Channel, buf *Buffer)
}

type MessageHandlerFunc func(ch *Channel, buf *Buffer)

func (fn MessageHandlerFunc) HandleMessage(ch *Channel, buf *Buffer) { fn(ch, buf) }

var DefaultMessageHandler MessageHandlerFunc = func(ch *Channel, buf *Buffer) { buf.Reset() }

type WriteCompleteHandler interface {
	HandleWriteComplete(ch *Channel, n int)
}

type WriteCompleteHandlerFunc func(ch *Channel, n int)

func (fn WriteCompleteHandlerFunc) HandleWriteComplete(ch *Channel, n int) { fn(ch, n) }

// channelOwner receives the events of a Channel on the loop goroutine.
type channelOwner interface {
	channelConnected(ch *Channel, err error)
	channelClosed(ch *Channel, err error)
	channelMessage(ch *Channel, buf *Buffer)
	channelWriteComplete(ch *Channel, n int)
}
