// Package api defines the wire types of the TaskFlow HTTP API.
//
// # API Overview
//
//	POST /v1/tasks                                   create a task
//	GET  /v1/tasks                                   list visible tasks
//	GET  /v1/tasks/{id}                              inspect a task
//	POST /v1/tasks/{id}/cancel                       cancel a task
//	GET  /v1/tasks/{id}/interrupt                    pending interrupt, if any
//	POST /v1/tasks/{id}/interrupts/{iid}/resolve     accept / edit / respond
//	GET  /v1/tasks/{id}/events                       event stream (SSE, Last-Event-ID)
//	GET  /v1/tasks/{id}/ws                           event stream (WebSocket)
//
// # Authentication
//
// With api keys configured every /v1 route needs an X-API-Key header. With
// JWT configured the token's sub claim becomes the task owner; callers only
// see their own tasks and get 404 for anyone else's.
//
// # Streaming
//
// Each stream message is {seq, type, node, timestamp, payload, ext}; idle
// streams receive {"type":"heartbeat"}. Seqs start at 0. SSE frames carry
// the seq as their id, so a reconnecting EventSource resumes after its
// Last-Event-ID; ?from_seq= names the first seq to deliver on either
// transport. Both continue without gaps or duplicates.
package api
