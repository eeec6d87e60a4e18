// Package engine walks bot graphs.
//
// An Executor takes one incoming message for one bot and advances that bot's
// session through the compiled graph: master groups first, then the groups of
// the step the session points at. Every group runs a Handler chosen by its
// search type (message, response, code or integration) and then tries its
// connections in priority order; the first matching connection moves the
// session to its next step. Arriving at a step renders its message through
// the Outbox, runs its template as a subroutine and, for proxy steps,
// evaluates the step's own groups at once.
//
// Handler failures never abort a message. A response call that fails yields
// an empty context and a code snippet that fails yields its input, so the
// group simply falls through. Proxy chains are bounded by a hop limit and
// template calls by a depth limit with cycle detection; hitting either parks
// the session at the last step reached.
//
// The Dispatcher is the stream entry point. It decodes raw stream payloads,
// resolves the bots that should see a message and runs the Executor for each.
//
// Basic wiring:
//
//	exec, err := engine.NewExecutor(engine.Deps{
//		Data:      manager,
//		Variables: variables.NewEngine(manager, blobs, logger),
//		Rules:     evaluator,
//		Handlers:  engine.HandlerSet{Message: engine.MessageHandler{}, Response: resp, Code: code, Integration: integ},
//		Outbox:    producer,
//	})
//	dispatcher := engine.NewDispatcher(exec, manager, notifier, metrics, logger)
//	err = dispatcher.Process(ctx, raw)
package engine
