// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single project-updates WebSocket for an application session
//   - Authenticates with the session bearer token in the connection URL
//   - Reconnects after abnormal closes with a fixed delay, at most MaxRetries times
//   - Parses inbound frames and fans them out to subscribed handlers
//
// State machine:
//
//	disconnected --Connect--> connecting --open--> connected
//	connected --close(1000)--> disconnected
//	connected --close(other), retries<max--> reconnecting --delay--> connecting
//	connected --close(other), retries>=max--> disconnected
//	any --Disconnect--> disconnected
package connection
