package provider

import (
	"context"
	"errors"
)

// ErrorHook observes failed provider calls.
type ErrorHook func(provider, op string, err error)

type instrumented struct {
	Provider
	hook ErrorHook
}

// WithErrorHook wraps p so every failed call except caller cancellation is
// reported to hook.
func WithErrorHook(p Provider, hook ErrorHook) Provider {
	if hook == nil {
		return p
	}
	return &instrumented{Provider: p, hook: hook}
}

func (i *instrumented) report(op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	i.hook(i.Provider.Name(), op, err)
}

func (i *instrumented) ListRooms(ctx context.Context, names ...string) ([]Room, error) {
	rooms, err := i.Provider.ListRooms(ctx, names...)
	i.report(OpListRooms, err)
	return rooms, err
}

func (i *instrumented) DeleteRoom(ctx context.Context, name string) error {
	err := i.Provider.DeleteRoom(ctx, name)
	i.report(OpDeleteRoom, err)
	return err
}

func (i *instrumented) CreateDispatch(ctx context.Context, spec DispatchSpec) (Dispatch, error) {
	d, err := i.Provider.CreateDispatch(ctx, spec)
	i.report(OpCreateDispatch, err)
	return d, err
}

func (i *instrumented) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	ps, err := i.Provider.ListParticipants(ctx, room)
	i.report(OpListParticipants, err)
	return ps, err
}
