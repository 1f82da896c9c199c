package duckchat

import (
	"fmt"
	"net/http"
)

// Error types reported by the service inside action:"error" records.
const (
	errTypeBlocked           = "ERR_BN_LIMIT"
	errTypeConversationLimit = "ERR_CONVERSATION_LIMIT"
)

// classify maps an embedded error record to the error taxonomy. softBlock is
// true for the in-body throttle signal, which the turn loop retries with the
// same token; every returned error is terminal for the current call.
func classify(rec chatRecord) (softBlock bool, err error) {
	if rec.Action != "error" {
		return false, nil
	}

	errType := rec.Type
	if errType == "" {
		errType = fmt.Sprintf("%+v", rec)
	}

	switch {
	case errType == errTypeBlocked:
		return true, nil
	case rec.Status == http.StatusTooManyRequests:
		if errType == errTypeConversationLimit {
			return false, &ConversationLimitError{Message: errType}
		}
		return false, &RatelimitError{Message: errType}
	default:
		return false, &ProtocolError{Message: errType}
	}
}
