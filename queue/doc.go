// Package queue 是引擎的任务作业队列：MemoryQueue 用于单进程，RedisQueue
// （LPUSH/BRPOP）让多个引擎进程共享同一队列。
package queue
