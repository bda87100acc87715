// Package research 提供演示用的研究报告工作流：规划、并行检索、大纲确认、
// 流式写作、终审和汇总。它只用来驱动引擎，检索源是合成数据。
package research
