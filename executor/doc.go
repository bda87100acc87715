/*
Package executor 按步骤图驱动任务，并把进度写入事件总线。

图由 GraphBuilder 构建：顺序步骤与并行组（Parallel）。每个步骤完成后先保存
checkpoint 再发出 step_complete；步骤返回 Suspend 时，执行器保存等待状态、
发出 interrupt_request 并释放租约，不阻塞等待人工。Resume 重新进入被挂起的
步骤，之前的步骤不会重跑。

模式：interactive 每次 Suspend 都暂停；guided 只在 InterruptSpec.Guided 时
暂停；copilot 从不暂停，挂起请求被自动接受。

取消在步骤边界生效：Lease.CheckFinished 返回 CANCELED 时执行器发出
final_result，步骤中途的迟到输出与事件一律丢弃。进程关闭时执行器只放弃
本地租约，Recover 在重启后从最新 checkpoint 与事件日志续跑。

失败分类（error_type）：step_error、panic、timeout、invalid_output、
sequence_conflict、internal。
*/
package executor
