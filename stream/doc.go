// Package stream 把任务事件日志推送给订阅者：每个订阅者独立游标、有界缓冲，
// 缓冲溢出时以 ErrSlowConsumer 关闭，事件生产方从不等待订阅者。
package stream
