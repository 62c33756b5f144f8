package consensus

//
//                 +-----------+  BaseLatency * PassiveDurationFactor  +----------+
//   Insert -----> |  passive  +-------------------------------------->|  active  |
//                 +-----+-----+                                       +----+-----+
//                       |   quorum / dependents cemented                   |  Solicitor: confirm_req, broadcast
//                       v                                                  v
//                 +-----------+ <------------------------------------------+
//                 | confirmed |
//                 +-----+-----+
//                       | BaseLatency * ConfirmedDurationFactor
//                       v
//            +-------------------+           +---------------------+
//            | expired_confirmed |           | expired_unconfirmed | <- ElectionTimeToLive without quorum
//            +-------------------+           +---------------------+
//
//ActiveElections - 选举容器，每个qualified root至多一个Election
//	- Election - 单个root的投票状态机，确认时回调ConfirmationSink(cement处理器)
//	- InactiveVoteCache - 还没有选举的投票，选举创建时回放
//	- RecentlyConfirmed - 最近确认的root，迟到的投票算作replay
//	- Solicitor - 每次Tick收集confirm_req和广播，按限额统一发送
//VoteProcessor - 投票入队、批量验签，然后交给ActiveElections
//	- RepTiers - 代表分级，队列接近满时优先接受高权重代表
//Reactor - p2p层，实现Network，把网络消息交给VoteProcessor/区块处理/VoteGenerator
