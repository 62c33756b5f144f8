package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"lattice_consensus/cementing"
	"lattice_consensus/ledger"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

// CementCmd 离线把某个区块及其依赖写入确认高度
var CementCmd = &cobra.Command{
	Use:   "cement [block hash]",
	Short: "Cement a block and its dependencies in the local ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  cementBlock,
}

func cementBlock(cmd *cobra.Command, args []string) error {
	hash, err := types.HashFromHex(args[0])
	if err != nil {
		return err
	}

	kv, err := store.NewKVStore("ledger", config.DBPath(), logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	l, err := ledger.NewLedger(kv, nil, logger)
	if err != nil {
		return err
	}

	txn := l.TxBeginRead()
	block := l.Block(txn, hash)
	txn.Discard()
	if block == nil {
		return fmt.Errorf("block %v not found", hash)
	}

	p := cementing.NewProcessor(config.ConfirmationHeight, l, store.NewWriteQueue())
	p.SetLogger(logger.With("module", "cementing"))
	p.ProcessBlock(hash)

	txn = l.TxBeginRead()
	defer txn.Discard()
	fmt.Println(block.Account, l.ConfirmationHeight(txn, block.Account))
	fmt.Println("cemented:", l.CementedCount(), "/", l.BlockCount())
	return nil
}
