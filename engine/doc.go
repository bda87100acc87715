/*
Package engine 组合任务注册表、事件总线、执行器、中断协调器与流网关，
对外提供 CreateTask / GetTask / ListTasks / Subscribe / CancelTask /
ResolveInterrupt / PendingInterrupt。

执行工作经 queue.Queue 排队，由 internal/pool 的 worker 取出运行：
run 启动新任务，resume 在中断解决后续跑，recover 在重启后从 checkpoint
继续。挂起的任务不占用 worker。

所有权：owner 非空时只能看到自己的任务，其他人的任务一律返回 NotFound。
*/
package engine
