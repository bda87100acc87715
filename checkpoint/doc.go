// Package checkpoint stores append-only snapshots of workflow state keyed by
// thread id. Resume after an interrupt or a restart always starts from the
// latest checkpoint of the task's thread.
//
// Backends: MemoryStore, RedisStore (go-redis), GormStore (postgres, mysql,
// sqlite) and MongoStore. All of them allocate ids strictly increasing per
// thread and never rewrite a saved checkpoint.
package checkpoint
