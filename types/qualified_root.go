package types

import "fmt"

// QualifiedRoot root加上previous共同标识一个链上位置，同一位置上的分叉共享一个election
type QualifiedRoot struct {
	Root     Hash
	Previous Hash
}

func (qr QualifiedRoot) String() string {
	return fmt.Sprintf("%v:%v", qr.Root, qr.Previous)
}
