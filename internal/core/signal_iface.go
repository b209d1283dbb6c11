package core

// Frame is a raw outbound payload, already encoded.
type Frame []byte

// ConnID identifies one WebSocket connection for its whole lifetime.
type ConnID string

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it. TrySend enqueues onto
// the connection's write pump, so all writes to one peer are serialized.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
