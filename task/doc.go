/*
Package task 管理任务记录、状态 DAG 与执行租约。

任务状态只沿 PENDING -> IN_PROGRESS -> COMPLETED|FAILED|CANCELED 前进，
终态吸收一切后续迁移。Registry 的每次写入都经过 Store.Update，保证同一
任务上的取消、获取租约与结束判定被线性化。

Phase 是 IN_PROGRESS 的内部子状态：RUNNING_STEP 表示有执行器持有租约，
AWAITING_INTERRUPT 表示任务在等待人工确认、没有执行器。Cancel 据此返回
CancelOutcome.Owned，决定由执行器还是调用方发出终止事件。

存储后端：MemoryStore、RedisStore（WATCH/MULTI 乐观更新）、GormStore
（version 列比较交换）以及只缓存终态快照的 CachedStore。
*/
package task
