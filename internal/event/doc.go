// Package event provides the pub-sub bus the coordinator uses to announce
// state changes to observers (the SQLite journal, the MCP surface, tests)
// without those observers reaching into coordinator state.
//
// Events are a closed set of typed structs, one per "category.action"
// name. Subscribers switch on the concrete type:
//
//	bus.SubscribeAll(func(e event.Event) {
//	    switch ev := e.(type) {
//	    case event.TaskStatusChangedEvent:
//	        record(ev.TaskID, ev.To)
//	    case event.ConflictEscalatedEvent:
//	        page(ev.ConflictID)
//	    }
//	})
//
// Publishing is synchronous. Handlers that do slow work (disk, network)
// must hand it off to their own goroutine.
package event
