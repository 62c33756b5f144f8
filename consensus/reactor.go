package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"lattice_consensus/types"
)

const (
	BlockChannel      = byte(0x21)
	VoteChannel       = byte(0x22)
	ConfirmReqChannel = byte(0x23)

	maxMsgSize = 1048576 // 1MB
)

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

type ConfirmReqMessage struct {
	Entries []ConfirmReqEntry `json:"entries"`
}

func (msg *ConfirmReqMessage) ValidateBasic() error {
	if len(msg.Entries) == 0 {
		return fmt.Errorf("empty confirm_req")
	}
	if len(msg.Entries) > types.MaxVoteHashes {
		return fmt.Errorf("confirm_req has %d entries, max %d", len(msg.Entries), types.MaxVoteHashes)
	}
	return nil
}

func (msg *ConfirmReqMessage) String() string {
	return fmt.Sprintf("[ConfirmReq %d]", len(msg.Entries))
}

// BlockHandler 处理从网络收到的区块
type BlockHandler func(block *types.Block)

// ConfirmReqHandler 处理其他节点的confirm_req
type ConfirmReqHandler func(peer p2p.ID, entries []ConfirmReqEntry)

// ------- Reactor ------
// Reactor 共识的网络层，同时实现Network接口供Solicitor使用
type Reactor struct {
	p2p.BaseReactor

	voteProcessor *VoteProcessor
	onBlock       BlockHandler
	onConfirmReq  ConfirmReqHandler

	peers *cmap.CMap // peer id -> p2p.Peer
	reps  *cmap.CMap // peer id -> types.Account
}

type ReactorOption func(*Reactor)

func WithBlockHandler(fn BlockHandler) ReactorOption {
	return func(conR *Reactor) {
		conR.onBlock = fn
	}
}

func WithConfirmReqHandler(fn ConfirmReqHandler) ReactorOption {
	return func(conR *Reactor) {
		conR.onConfirmReq = fn
	}
}

func NewReactor(options ...ReactorOption) *Reactor {
	conR := &Reactor{
		peers: cmap.NewCMap(),
		reps:  cmap.NewCMap(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}
	return conR
}

// SetVoteProcessor 投票处理器依赖ActiveElections，ActiveElections又依赖Reactor作为Network
func (conR *Reactor) SetVoteProcessor(vp *VoteProcessor) {
	conR.voteProcessor = vp
}

func (conR *Reactor) SetBlockHandler(fn BlockHandler) {
	conR.onBlock = fn
}

func (conR *Reactor) SetConfirmReqHandler(fn ConfirmReqHandler) {
	conR.onConfirmReq = fn
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	return nil
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  VoteChannel,
			Priority:            10,
			SendQueueCapacity:   1000,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  BlockChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  ConfirmReqChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Debug("add peer", "peer", peer.ID())
	conR.peers.Set(string(peer.ID()), peer)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.Logger.Debug("remove peer", "peer", peer.ID(), "reason", reason)
	conR.peers.Delete(string(peer.ID()))
	conR.reps.Delete(string(peer.ID()))
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}
	// 各自解析数据
	switch chID {
	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "err", err, "src", src.ID())
			return
		}
		if err := vote.ValidateBasic(); err != nil {
			conR.Logger.Debug("invalid vote", "err", err, "src", src.ID())
			return
		}
		conR.reps.Set(string(src.ID()), vote.Account)
		if conR.voteProcessor != nil {
			conR.voteProcessor.Vote(&vote)
		}

	case BlockChannel:
		var block types.Block
		if err := tmjson.Unmarshal(msgBytes, &block); err != nil {
			conR.Logger.Error("try to unmarshal block failed", "err", err, "src", src.ID())
			return
		}
		block.Sideband = nil
		if err := block.ValidateBasic(); err != nil {
			conR.Logger.Debug("invalid block", "err", err, "src", src.ID())
			return
		}
		if conR.onBlock != nil {
			conR.onBlock(&block)
		}

	case ConfirmReqChannel:
		var msg ConfirmReqMessage
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("try to unmarshal confirm_req failed", "err", err, "src", src.ID())
			return
		}
		if err := msg.ValidateBasic(); err != nil {
			conR.Logger.Debug("invalid confirm_req", "err", err, "src", src.ID())
			return
		}
		if conR.onConfirmReq != nil {
			conR.onConfirmReq(src.ID(), msg.Entries)
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// Broadcast implements Network
func (conR *Reactor) Broadcast(block *types.Block) {
	if conR.Switch == nil {
		return
	}
	bz, err := tmjson.Marshal(block)
	if err != nil {
		conR.Logger.Error("Marshal Block failed.", "err", err)
		return
	}
	conR.Switch.Broadcast(BlockChannel, bz)
}

// SendConfirmReq implements Network
func (conR *Reactor) SendConfirmReq(channel string, entries []ConfirmReqEntry) {
	peer, ok := conR.peers.Get(channel).(p2p.Peer)
	if !ok {
		return
	}
	bz, err := tmjson.Marshal(&ConfirmReqMessage{Entries: entries})
	if err != nil {
		conR.Logger.Error("Marshal confirm_req failed.", "err", err)
		return
	}
	if !peer.TrySend(ConfirmReqChannel, bz) {
		conR.Logger.Debug("confirm_req dropped", "peer", peer.ID())
	}
}

// Representatives implements Network
// 还没有发现任何代表时，向所有邻居请求
func (conR *Reactor) Representatives() []Representative {
	var reps []Representative
	for _, key := range conR.reps.Keys() {
		if account, ok := conR.reps.Get(key).(types.Account); ok {
			reps = append(reps, Representative{Account: account, Channel: key})
		}
	}
	if len(reps) > 0 {
		return reps
	}
	for _, key := range conR.peers.Keys() {
		reps = append(reps, Representative{Channel: key})
	}
	return reps
}

// SendVote 把本节点生成的投票发给peer
func (conR *Reactor) SendVote(peer p2p.ID, vote *types.Vote) {
	p, ok := conR.peers.Get(string(peer)).(p2p.Peer)
	if !ok {
		return
	}
	bz, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	p.TrySend(VoteChannel, bz)
}

// BroadcastVote 向所有邻居广播投票
func (conR *Reactor) BroadcastVote(vote *types.Vote) {
	if conR.Switch == nil {
		return
	}
	bz, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Vote", "vote", vote)
	conR.Switch.Broadcast(VoteChannel, bz)
}
