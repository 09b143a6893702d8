package gossip

import (
	"errors"
	"fmt"

	"github.com/tos-network/cascade/canon"
)

var ErrUnknownMessageType = errors.New("gossip: unknown message tag")

// Envelope is a tagged, encoded wire message.
type Envelope struct {
	Tag     Tag
	Payload []byte
}

// Encode wraps a typed message with its discriminator tag.
func Encode(tag Tag, msg interface{}) ([]byte, error) {
	payload, err := canon.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode %v: %w", tag, err)
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(tag))
	out = append(out, payload...)
	return out, nil
}

// Decode splits a wire message into its tag and remaining payload bytes.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrUnknownMessageType
	}
	return Envelope{Tag: Tag(data[0]), Payload: data[1:]}, nil
}

// Handler is implemented by each gossip sub-system that reacts to wire
// messages (token propagation, anti-entropy sync, consensus voting).
type Handler interface {
	CanHandle(tag Tag) bool
	Handle(ctx *Context, env Envelope) error
}

// Context carries per-message dispatch state, the gossip analogue of
// sysaction.Context.
type Context struct {
	Node       *Node
	FromPeer   string
}

// Registry holds registered handlers, tried in registration order.
type Registry struct{ handlers []Handler }

// Register adds a handler.
func (r *Registry) Register(h Handler) { r.handlers = append(r.handlers, h) }

// Dispatch decodes data and routes it to the first handler that claims
// its tag.
func (r *Registry) Dispatch(ctx *Context, data []byte) error {
	env, err := Decode(data)
	if err != nil {
		return err
	}
	for _, h := range r.handlers {
		if h.CanHandle(env.Tag) {
			return h.Handle(ctx, env)
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownMessageType, env.Tag)
}
