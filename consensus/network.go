package consensus

import (
	"lattice_consensus/types"
)

// Representative 一个在线代表以及与它通信的通道
type Representative struct {
	Account types.Account
	Channel string
}

// ConfirmReqEntry confirm_req中的一项
type ConfirmReqEntry struct {
	Hash types.Hash `json:"hash"`
	Root types.Hash `json:"root"`
}

// Network 共识对外的网络服务
type Network interface {
	// 向所有邻居广播区块
	Broadcast(block *types.Block)
	// 向某个代表请求对一批区块投票
	SendConfirmReq(channel string, entries []ConfirmReqEntry)
	// 当前连接着的代表
	Representatives() []Representative
}

// NopNetwork 不连接任何节点
type NopNetwork struct{}

func (NopNetwork) Broadcast(*types.Block)                   {}
func (NopNetwork) SendConfirmReq(string, []ConfirmReqEntry) {}
func (NopNetwork) Representatives() []Representative       { return nil }

// LocalChannel 本节点自己作为代表时的通道
const LocalChannel = "local"

// LocalRepNetwork 在底层网络的代表之外加入本节点的代表
// 发往LocalChannel的confirm_req直接交给本地的vote generator
type LocalRepNetwork struct {
	Network

	account types.Account
	handler ConfirmReqHandler
}

func NewLocalRepNetwork(network Network, account types.Account, handler ConfirmReqHandler) *LocalRepNetwork {
	return &LocalRepNetwork{Network: network, account: account, handler: handler}
}

func (n *LocalRepNetwork) SendConfirmReq(channel string, entries []ConfirmReqEntry) {
	if channel == LocalChannel {
		n.handler(LocalChannel, entries)
		return
	}
	n.Network.SendConfirmReq(channel, entries)
}

func (n *LocalRepNetwork) Representatives() []Representative {
	return append(n.Network.Representatives(), Representative{Account: n.account, Channel: LocalChannel})
}
