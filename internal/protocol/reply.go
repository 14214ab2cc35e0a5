package protocol

import (
	"fmt"

	"github.com/blukai/tictactoenet/internal/address"
)

// lobby replies are plain (untagged) objects
const (
	replyCoordinator = "coordinator"
	replyError       = "error"
)

func CoordinatorReply(ip string, port uint16) map[string]any {
	return map[string]any{replyCoordinator: []any{ip, int(port)}}
}

func ErrorReply(message string) map[string]any {
	return map[string]any{replyError: message}
}

// Reply is a decoded lobby (or coordinator) reply. Exactly one of
// Coordinator and Error is set.
type Reply struct {
	Coordinator *address.Address
	Error       string
}

// ParseReply interprets a decoded untagged object.
func ParseReply(m map[string]any) (Reply, error) {
	if msg, ok := m[replyError]; ok {
		text, ok := msg.(string)
		if !ok {
			return Reply{}, fmt.Errorf("%w: error reply is %T, not a string", ErrMalformed, msg)
		}
		return Reply{Error: text}, nil
	}

	raw, ok := m[replyCoordinator]
	if !ok {
		return Reply{}, fmt.Errorf("%w: reply has neither %q nor %q", ErrMalformed, replyCoordinator, replyError)
	}
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return Reply{}, fmt.Errorf("%w: coordinator must be [ip, port]", ErrMalformed)
	}
	ip, ok := pair[0].(string)
	if !ok {
		return Reply{}, fmt.Errorf("%w: coordinator ip is %T", ErrMalformed, pair[0])
	}
	port, ok := pair[1].(int)
	if !ok {
		return Reply{}, fmt.Errorf("%w: coordinator port is %T", ErrMalformed, pair[1])
	}
	addr, err := address.New(ip, port)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Reply{Coordinator: &addr}, nil
}
