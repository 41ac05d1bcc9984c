package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Callback families carried in inline-keyboard button data.
type CallbackKind string

const (
	CallbackMatch        CallbackKind = "match"        // match:<accept|reject>:<match_id>
	CallbackReset        CallbackKind = "reset"        // reset:<confirm|cancel>:<telegram_id>
	CallbackActivate     CallbackKind = "activate"     // activate:<telegram_id>
	CallbackAnnouncement CallbackKind = "announcement" // announcement:<confirm|cancel>:<source_message_id>
)

// Callback actions.
const (
	ActionAccept  = "accept"
	ActionReject  = "reject"
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"
)

// Callback is a parsed inline-keyboard token.
type Callback struct {
	Kind   CallbackKind
	Action string
	ID     int64
}

// Token packs the callback back into button data.
func (c *Callback) Token() string {
	if c.Kind == CallbackActivate {
		return fmt.Sprintf("%s:%d", c.Kind, c.ID)
	}
	return fmt.Sprintf("%s:%s:%d", c.Kind, c.Action, c.ID)
}

// ParseCallback decodes button data into a Callback.
func ParseCallback(data string) (*Callback, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return nil, errors.Errorf("malformed callback %q", data)
	}

	kind := CallbackKind(parts[0])
	switch kind {
	case CallbackActivate:
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed activate callback %q", data)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad id in callback %q", data)
		}
		return &Callback{Kind: kind, ID: id}, nil

	case CallbackMatch, CallbackReset, CallbackAnnouncement:
		if len(parts) != 3 {
			return nil, errors.Errorf("malformed %s callback %q", kind, data)
		}
		action := parts[1]
		if kind == CallbackMatch && action != ActionAccept && action != ActionReject {
			return nil, errors.Errorf("bad match action %q", action)
		}
		if kind != CallbackMatch && action != ActionConfirm && action != ActionCancel {
			return nil, errors.Errorf("bad %s action %q", kind, action)
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad id in callback %q", data)
		}
		return &Callback{Kind: kind, Action: action, ID: id}, nil

	default:
		return nil, errors.Errorf("unknown callback kind %q", parts[0])
	}
}
