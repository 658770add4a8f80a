// Package usage authorizes and records step consumption for sessions.
package usage

import (
	"context"
)

// Cost is what one model step consumed.
type Cost struct {
	Steps        int
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Meter is consulted before every model call and told about its cost afterwards.
type Meter interface {
	// Authorize reports whether sessionID may take one more step.
	Authorize(ctx context.Context, sessionID string) (bool, error)
	// Record adds cost to sessionID's consumption.
	Record(ctx context.Context, sessionID string, cost Cost) error
}

// Unlimited authorizes every step and records nothing.
type Unlimited struct{}

func (Unlimited) Authorize(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Record(context.Context, string, Cost) error { return nil }

// Func adapts plain functions to Meter. Nil functions allow and ignore.
type Func struct {
	AuthorizeFn func(ctx context.Context, sessionID string) (bool, error)
	RecordFn    func(ctx context.Context, sessionID string, cost Cost) error
}

func (f Func) Authorize(ctx context.Context, sessionID string) (bool, error) {
	if f.AuthorizeFn == nil {
		return true, nil
	}
	return f.AuthorizeFn(ctx, sessionID)
}

func (f Func) Record(ctx context.Context, sessionID string, cost Cost) error {
	if f.RecordFn == nil {
		return nil
	}
	return f.RecordFn(ctx, sessionID, cost)
}
