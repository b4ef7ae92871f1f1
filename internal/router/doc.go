// Package router turns parsed channel messages into typed events and
// dispatches them to per-feature callbacks.
//
// The backend sends two shapes: a flat event and a project_event wrapper
// whose data field holds the real event. Normalize collapses both into one
// event type string and one EventData. Decode maps the pair onto a closed
// set of Event variants, with Unknown covering event types not modeled here.
//
// A Binding is the long-lived subscription a feature holds on the channel.
// It filters events by project scope and reads its callbacks through an
// atomic pointer, so Update changes behavior without resubscribing.
package router
