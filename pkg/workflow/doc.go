// Package workflow is a small durable execution runtime.
//
// A workflow instance is an append-only history of entries: the start input,
// every activity result or failure and every consumed signal. Each pass loads
// the history and runs the workflow function from the beginning against a
// Context that answers recorded calls from history. The first call with no
// recorded entry runs live and its outcome is appended, so a process restart
// at any point loses at most the call in flight.
//
// Workflow functions must be deterministic. Time comes from Context.Now, which
// is the recording time of the latest history entry, and logging goes through
// Context.Logger, which is silent during replay.
//
// WaitForSignal parks an instance until RaiseSignal delivers a signal with
// the awaited name. Waits are tracked by the Correlator and persisted on the
// instance row; Recover rebuilds them after a restart.
//
//	rt := workflow.NewRuntime(store)
//	workflow.RegisterActivity(rt, "Greet", greet)
//	rt.RegisterWorkflow("hello", func(ctx *workflow.Context, input json.RawMessage) error {
//		_, err := workflow.CallActivity[string](ctx, "Greet", "world")
//		return err
//	})
//	id, err := rt.Start(ctx, "hello", nil)
package workflow
