// Package journal appends normalized channel events to PostgreSQL.
//
// The channel's read goroutine hands each message to Writer.Handle, which
// only converts and enqueues. A separate loop drains the queue in batches
// and inserts them with one pgx.Batch round trip. The queue grows up to
// its limit and then drops the oldest rows, so a slow or absent database
// never stalls event delivery.
//
// Schema:
//
//	project_events(id uuid primary key, event_type text, action text,
//	               project_id bigint, actor_id bigint, actor_name text,
//	               payload jsonb, received_at timestamptz)
package journal
