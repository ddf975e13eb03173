package pattern

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action errors.
var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrMissingParams     = errors.New("action params missing for type")
	ErrInvalidParams     = errors.New("invalid action params")
)

// ActionType enumerates the bounded actions the executor knows how to run.
type ActionType string

const (
	ActionNone          ActionType = "none"
	ActionResetDevice   ActionType = "reset_device"
	ActionUnlockDoor    ActionType = "unlock_door"
	ActionExtendBooking ActionType = "extend_booking"
	ActionSendLink      ActionType = "send_link"
)

// ActionTypes lists every known type.
var ActionTypes = []ActionType{ActionNone, ActionResetDevice, ActionUnlockDoor, ActionExtendBooking, ActionSendLink}

// ResetDeviceParams restarts a device at a location (e.g. a simulator PC).
type ResetDeviceParams struct {
	Location string `json:"location"`
	Device   string `json:"device"`
}

// UnlockDoorParams unlocks a door for a bounded duration.
type UnlockDoorParams struct {
	Location        string `json:"location"`
	DurationMinutes int    `json:"duration_minutes"`
}

// ExtendBookingParams extends an existing booking.
type ExtendBookingParams struct {
	BookingRef string `json:"booking_ref"`
	Minutes    int    `json:"minutes"`
}

// SendLinkParams sends a link to the customer.
type SendLinkParams struct {
	URL string `json:"url"`
}

// Action is a closed tagged union. Exactly the params field matching Type is set.
type Action struct {
	Type ActionType

	ResetDevice   *ResetDeviceParams
	UnlockDoor    *UnlockDoorParams
	ExtendBooking *ExtendBookingParams
	SendLink      *SendLinkParams
}

// Validate fails closed on unknown types and on missing or malformed params.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionNone:
		return nil
	case ActionResetDevice:
		if a.ResetDevice == nil {
			return fmt.Errorf("%w %s", ErrMissingParams, a.Type)
		}
		if a.ResetDevice.Location == "" {
			return fmt.Errorf("%w: reset_device requires location", ErrInvalidParams)
		}
	case ActionUnlockDoor:
		if a.UnlockDoor == nil {
			return fmt.Errorf("%w %s", ErrMissingParams, a.Type)
		}
		if a.UnlockDoor.Location == "" {
			return fmt.Errorf("%w: unlock_door requires location", ErrInvalidParams)
		}
		if a.UnlockDoor.DurationMinutes <= 0 || a.UnlockDoor.DurationMinutes > 60 {
			return fmt.Errorf("%w: unlock_door duration must be 1-60 minutes", ErrInvalidParams)
		}
	case ActionExtendBooking:
		if a.ExtendBooking == nil {
			return fmt.Errorf("%w %s", ErrMissingParams, a.Type)
		}
		if a.ExtendBooking.BookingRef == "" {
			return fmt.Errorf("%w: extend_booking requires booking_ref", ErrInvalidParams)
		}
		if a.ExtendBooking.Minutes <= 0 || a.ExtendBooking.Minutes > 120 {
			return fmt.Errorf("%w: extend_booking minutes must be 1-120", ErrInvalidParams)
		}
	case ActionSendLink:
		if a.SendLink == nil {
			return fmt.Errorf("%w %s", ErrMissingParams, a.Type)
		}
		if a.SendLink.URL == "" {
			return fmt.Errorf("%w: send_link requires url", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	return nil
}

// RequiresConfirmation reports whether the action has real-world side effects
// that the customer must confirm before execution.
func (a *Action) RequiresConfirmation() bool {
	switch a.Type {
	case ActionResetDevice, ActionUnlockDoor, ActionExtendBooking:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (a Action) Clone() Action {
	c := Action{Type: a.Type}
	if a.ResetDevice != nil {
		v := *a.ResetDevice
		c.ResetDevice = &v
	}
	if a.UnlockDoor != nil {
		v := *a.UnlockDoor
		c.UnlockDoor = &v
	}
	if a.ExtendBooking != nil {
		v := *a.ExtendBooking
		c.ExtendBooking = &v
	}
	if a.SendLink != nil {
		v := *a.SendLink
		c.SendLink = &v
	}
	return c
}

// TransformStrings returns a copy with fn applied to every string parameter.
// It stops at the first error.
func (a Action) TransformStrings(fn func(string) (string, error)) (Action, error) {
	c := a.Clone()
	var err error
	apply := func(s *string) {
		if err != nil {
			return
		}
		*s, err = fn(*s)
	}
	switch c.Type {
	case ActionResetDevice:
		if c.ResetDevice != nil {
			apply(&c.ResetDevice.Location)
			apply(&c.ResetDevice.Device)
		}
	case ActionUnlockDoor:
		if c.UnlockDoor != nil {
			apply(&c.UnlockDoor.Location)
		}
	case ActionExtendBooking:
		if c.ExtendBooking != nil {
			apply(&c.ExtendBooking.BookingRef)
		}
	case ActionSendLink:
		if c.SendLink != nil {
			apply(&c.SendLink.URL)
		}
	}
	if err != nil {
		return Action{}, err
	}
	return c, nil
}

// Params returns the active variant's params, or nil.
func (a *Action) Params() any {
	switch a.Type {
	case ActionResetDevice:
		return a.ResetDevice
	case ActionUnlockDoor:
		return a.UnlockDoor
	case ActionExtendBooking:
		return a.ExtendBooking
	case ActionSendLink:
		return a.SendLink
	}
	return nil
}

type actionJSON struct {
	Type   ActionType      `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON encodes as {"type": ..., "params": {...}}.
func (a Action) MarshalJSON() ([]byte, error) {
	out := actionJSON{Type: a.Type}
	if p := a.Params(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out.Params = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged form and rejects unknown types.
func (a *Action) UnmarshalJSON(data []byte) error {
	var in actionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = Action{Type: in.Type}

	decode := func(dst any) error {
		if len(in.Params) == 0 {
			return fmt.Errorf("%w %s", ErrMissingParams, in.Type)
		}
		dec := json.NewDecoder(bytes.NewReader(in.Params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return nil
	}

	switch in.Type {
	case ActionNone:
		return nil
	case ActionResetDevice:
		a.ResetDevice = &ResetDeviceParams{}
		return decode(a.ResetDevice)
	case ActionUnlockDoor:
		a.UnlockDoor = &UnlockDoorParams{}
		return decode(a.UnlockDoor)
	case ActionExtendBooking:
		a.ExtendBooking = &ExtendBookingParams{}
		return decode(a.ExtendBooking)
	case ActionSendLink:
		a.SendLink = &SendLinkParams{}
		return decode(a.SendLink)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, in.Type)
	}
}
