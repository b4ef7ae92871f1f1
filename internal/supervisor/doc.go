// Package supervisor re-arms the project-updates channel.
//
// The connection manager stops retrying after its budget is spent and never
// dials without a token. The supervisor checks the channel on an interval and
// calls Connect when it is disconnected and a session token is available, so
// a long-running listener recovers from server outages and late logins.
package supervisor
