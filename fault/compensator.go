package fault

import (
	"errors"
	"fmt"
	"strconv"

	"carsties/events"
)

var ErrNotCompensable = errors.New("fault cannot be compensated")

// Compensator 修正造成故障的事件內容，回傳要重送的信封
type Compensator interface {
	Compensate(env events.Envelope, desc events.FaultDescriptor) (events.Envelope, error)
}

type CompensatorFunc func(env events.Envelope, desc events.FaultDescriptor) (events.Envelope, error)

func (f CompensatorFunc) Compensate(env events.Envelope, desc events.FaultDescriptor) (events.Envelope, error) {
	return f(env, desc)
}

// FieldSubstitution 以預設值取代出錯的欄位，只適用於帶有拍賣快照的事件
type FieldSubstitution struct {
	Fallbacks map[string]string
}

func (c FieldSubstitution) Compensate(env events.Envelope, desc events.FaultDescriptor) (events.Envelope, error) {
	fallback, ok := c.Fallbacks[desc.Field]
	if !ok {
		return events.Envelope{}, fmt.Errorf("%w: no fallback for field %q", ErrNotCompensable, desc.Field)
	}

	switch p := env.Payload.(type) {
	case events.AuctionCreated:
		state, err := substitute(events.AuctionState(p), desc.Field, fallback)
		if err != nil {
			return events.Envelope{}, err
		}
		env.Payload = events.AuctionCreated(state)
	case events.AuctionUpdated:
		state, err := substitute(events.AuctionState(p), desc.Field, fallback)
		if err != nil {
			return events.Envelope{}, err
		}
		env.Payload = events.AuctionUpdated(state)
	default:
		return events.Envelope{}, fmt.Errorf("%w: %s has no substitutable fields", ErrNotCompensable, env.Kind)
	}
	return env, nil
}

func substitute(state events.AuctionState, field, value string) (events.AuctionState, error) {
	switch field {
	case "make":
		state.Make = value
	case "model":
		state.Model = value
	case "color":
		state.Color = value
	case "year", "mileage":
		n, err := strconv.Atoi(value)
		if err != nil {
			return state, fmt.Errorf("%w: fallback for %s is not a number", ErrNotCompensable, field)
		}
		if field == "year" {
			state.Year = n
		} else {
			state.Mileage = n
		}
	default:
		return state, fmt.Errorf("%w: unknown field %q", ErrNotCompensable, field)
	}
	return state, nil
}

// DefaultCompensators 回傳預設的補償註冊表，argument 類型的故障以 FieldSubstitution 修正
func DefaultCompensators(fallbacks map[string]string) map[events.FaultKind]Compensator {
	if fallbacks == nil {
		fallbacks = map[string]string{"model": "FooBar"}
	}
	return map[events.FaultKind]Compensator{
		events.FaultKindArgument: FieldSubstitution{Fallbacks: fallbacks},
	}
}
