package consensus

//
//                 +-----------+
//       +-------> |  Initial  | <----------------------------------+
//       |         +-----+-----+                                    |
//       |               | PrepareRequest sent/received             |
//       |               v                                          |
//       |         +-----------+   timeout / policy reject          |
//       |         | Preparing +------------------+                 |
//       |         +-----+-----+                  v                 |
//       |               | M preparations   +--------------+        |
//       |               v                  | ViewChanging +--------+
//       |         +------------+           +--------------+  M ChangeView
//       |         | Committing |                                (view+1)
//       |         +-----+------+
//       |               | M commits in the current view
//       |               v
//       |         +-----------+
//       +---------+ Finalized |  (SubmitFinalizedBlock, Reset(0))
//                 +-----------+
//
// ConsensusService - 共识状态机，负责共识逻辑的推进，main goroutine
//	- ConsensusContext - 一个高度内的轮次状态：提案、四类payload、LastSeenMessage
//	- RecoveryManager - RecoveryRequest的重试与合并进度
//	- TimeoutTicker - view定时器和recovery定时器
//	- Ledger - 提供验证者集合并接收最终区块，state.Ledger实现
//		- Mempool - 交易缓存池，提案的交易来源
//		- BlobStore - 保存ConsensusContext，重启后恢复
//	- Reactor - 只负责在节点之间转发payload
