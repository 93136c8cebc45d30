package protocol

import (
	"fmt"
	"strings"
)

// PushKind identifies an out-of-band message received in subscriber mode
type PushKind string

const (
	PushMessage      PushKind = "message"
	PushPMessage     PushKind = "pmessage"
	PushSubscribe    PushKind = "subscribe"
	PushPSubscribe   PushKind = "psubscribe"
	PushUnsubscribe  PushKind = "unsubscribe"
	PushPUnsubscribe PushKind = "punsubscribe"
	PushPong         PushKind = "pong"
)

// Push is a decoded subscriber-mode message.
//
// For message and pmessage kinds Payload carries the published bytes. For
// (un)subscribe acknowledgements Count is the number of subscriptions the
// connection holds after the change.
type Push struct {
	Kind    PushKind
	Pattern string
	Channel string
	Payload []byte
	Count   int64
}

// ParsePush decodes a subscriber-mode array reply
func ParsePush(v Value) (Push, error) {
	if v.Type != TypeArray || len(v.Array) < 2 {
		return Push{}, fmt.Errorf("invalid push message: %s", v.String())
	}

	kind := PushKind(strings.ToLower(string(v.Array[0].Data)))
	switch kind {
	case PushMessage:
		if len(v.Array) != 3 {
			return Push{}, fmt.Errorf("message push has %d elements, want 3", len(v.Array))
		}
		return Push{Kind: kind, Channel: string(v.Array[1].Data), Payload: v.Array[2].Data}, nil
	case PushPMessage:
		if len(v.Array) != 4 {
			return Push{}, fmt.Errorf("pmessage push has %d elements, want 4", len(v.Array))
		}
		return Push{
			Kind:    kind,
			Pattern: string(v.Array[1].Data),
			Channel: string(v.Array[2].Data),
			Payload: v.Array[3].Data,
		}, nil
	case PushSubscribe, PushPSubscribe, PushUnsubscribe, PushPUnsubscribe:
		if len(v.Array) != 3 {
			return Push{}, fmt.Errorf("%s push has %d elements, want 3", kind, len(v.Array))
		}
		count, err := v.Array[2].Int()
		if err != nil {
			return Push{}, fmt.Errorf("invalid %s count: %w", kind, err)
		}
		return Push{Kind: kind, Channel: string(v.Array[1].Data), Count: count}, nil
	case PushPong:
		return Push{Kind: kind, Payload: v.Array[1].Data}, nil
	default:
		return Push{}, fmt.Errorf("unknown push kind %q", kind)
	}
}
