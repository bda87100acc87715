/*
Package event defines task progress events and the per-task ordered log
they are appended to.

An Event is a fixed header (task id, seq, type, node, timestamp), exactly one
payload variant matching its type, and an Ext map reserved for additions.
Sequence numbers start at 0 per task and have no gaps.

Bus assigns sequence numbers and serializes appends per task. Storage is a
pluggable Log: MemoryLog, RedisLog, GormLog or MongoLog. Backends reject an
out-of-order seq with ErrSequenceConflict; Bus reloads the next seq and
retries a bounded number of times.

Readers use a Cursor, which returns stored events first and then tails new
appends until the terminal final_result or error event.
*/
package event
