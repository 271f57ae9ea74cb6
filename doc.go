// Package stepflow is a durable workflow engine: handlers express a
// long-running business process as a sequence of named steps whose
// inputs, outputs, and attempt state are persisted after every
// transition, so execution survives process crashes and resumes with
// at-most-once semantics per step.
//
// A handler receives a *Context and expresses its logic entirely as
// calls to Context.Step and Context.Sleep:
//
//	registry.Define(context.Background(), "onboard-user", func(ctx *stepflow.Context) (any, error) {
//		acct, err := ctx.Step("create-account", func(*stepflow.Context) (any, error) {
//			return createAccount(ctx.Input())
//		}).Execute()
//		if err != nil {
//			return nil, err
//		}
//		if err := ctx.Sleep("cooldown", 24*time.Hour); err != nil {
//			return nil, err
//		}
//		return sendWelcomeEmail(acct)
//	})
//
// The handler is expected to be deterministic in its control flow given
// the same input and the outputs of previously completed steps; it may
// be non-deterministic inside a step body (wall-clock reads, random
// IDs, network calls), because that output is frozen once the step
// reaches status completed. A resumed execution re-enters the handler
// from the top; steps already completed return their stored output
// without re-invoking the step function.
package stepflow
