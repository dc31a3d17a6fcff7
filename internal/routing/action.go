package routing

import (
	"context"
	"fmt"

	"go-gateway/pkg/models"
)

// Execution lets an action steer the pipeline of the message it is handling.
type Execution interface {
	// Stop halts the remaining actions; the message is not forwarded.
	Stop()
	// Route injects msg into the same stage, continuing after the current action.
	Route(ctx context.Context, msg *models.Message) error
}

// Action is a pipeline step. It may mutate the message.
type Action interface {
	Execute(ctx context.Context, exec Execution, msg *models.Message) error
}

type ActionFunc func(ctx context.Context, exec Execution, msg *models.Message) error

func (f ActionFunc) Execute(ctx context.Context, exec Execution, msg *models.Message) error {
	return f(ctx, exec, msg)
}

const (
	stagePreProcessing  = "pre-processing"
	stagePostProcessing = "post-processing"
	stagePostReceiving  = "post-receiving"
)

// actionChain runs a snapshot of actions and hands surviving messages to next.
// Messages whose action fails are handed to fail.
type actionChain struct {
	stage   string
	actions []Action
	next    func(ctx context.Context, msg *models.Message) error
	fail    func(ctx context.Context, msg *models.Message, err error)
}

func (c *actionChain) run(ctx context.Context, msg *models.Message, from int) error {
	for i := from; i < len(c.actions); i++ {
		exec := &execution{chain: c, index: i}
		if err := executeAction(ctx, c.actions[i], exec, msg); err != nil {
			// a failure returned from exec.Route was sunk further down the chain
			if IsSunk(err) {
				return err
			}
			err = &ActionError{Stage: c.stage, Index: i, Err: err}
			c.fail(ctx, msg, err)
			return &SunkError{Err: err}
		}
		if exec.stopped {
			return nil
		}
	}
	return c.next(ctx, msg)
}

type execution struct {
	chain   *actionChain
	index   int
	stopped bool
}

func (e *execution) Stop() {
	e.stopped = true
}

func (e *execution) Route(ctx context.Context, msg *models.Message) error {
	return e.chain.run(ctx, msg, e.index+1)
}

func executeAction(ctx context.Context, a Action, exec Execution, msg *models.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return a.Execute(ctx, exec, msg)
}
