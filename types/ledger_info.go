package types

import (
	"fmt"
	"time"
)

// AccountInfo 账户链的头部信息
type AccountInfo struct {
	Head           Hash      `json:"head"`
	OpenBlock      Hash      `json:"open_block"`
	Representative Account   `json:"representative"`
	Balance        Amount    `json:"balance"`
	BlockCount     uint64    `json:"block_count"`
	Modified       time.Time `json:"modified"`
}

// ConfirmationHeightInfo 账户已经cement的高度以及该高度上的区块
// 持久化后只增不减，并且一定不超过账户的block count
type ConfirmationHeightInfo struct {
	Height   uint64 `json:"height"`
	Frontier Hash   `json:"frontier"`
}

func (info ConfirmationHeightInfo) String() string {
	return fmt.Sprintf("{%d %v}", info.Height, info.Frontier)
}

// PendingInfo 一笔尚未被接收的send
type PendingInfo struct {
	Source Account `json:"source"`
	Amount Amount  `json:"amount"`
}

// WriteDetails 一个账户链上需要一起cement的连续区块范围
type WriteDetails struct {
	Account      Account
	BottomHeight uint64
	BottomHash   Hash
	TopHeight    uint64
	TopHash      Hash
}

func (wd WriteDetails) String() string {
	return fmt.Sprintf("WriteDetails{%v [%d %v] -> [%d %v]}", wd.Account, wd.BottomHeight, wd.BottomHash, wd.TopHeight, wd.TopHash)
}
