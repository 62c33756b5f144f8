package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"lattice_consensus/ledger"
	"lattice_consensus/privval"
	"lattice_consensus/store"
)

var genesisRep bool

func init() {
	InitLedgerCmd.Flags().BoolVar(&genesisRep, "genesis-rep", false, "use the genesis key as this node's representative key")
}

// InitLedgerCmd 生成创世密钥并把创世区块写入账本
var InitLedgerCmd = &cobra.Command{
	Use:     "init-ledger",
	Aliases: []string{"init_ledger"},
	Short:   "Create the genesis key and write the genesis block",
	PreRun:  deprecateSnakeCase,
	RunE:    initLedger,
}

func initLedger(cmd *cobra.Command, args []string) error {
	if config.DBBackend == "memdb" {
		return errors.New("init-ledger needs a persistent db backend")
	}
	if err := tmos.EnsureDir(config.DBPath(), 0700); err != nil {
		return err
	}

	pv, err := privval.LoadOrGenFilePV(config.GenesisKeyFile())
	if err != nil {
		return err
	}
	amount, err := config.GenesisAmountValue()
	if err != nil {
		return err
	}

	if genesisRep {
		if tmos.FileExists(config.RepKeyFile()) {
			return fmt.Errorf("representative key at %s already exists", config.RepKeyFile())
		}
		rep := privval.NewFilePV(pv.PrivKey(), config.RepKeyFile())
		if err := rep.Save(); err != nil {
			return err
		}
	}

	kv, err := store.NewKVStore("ledger", config.DBPath(), logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	genesis := ledger.GenesisBlock(pv.PrivKey(), amount)
	l, err := ledger.NewLedger(kv, genesis, logger)
	if err != nil {
		return err
	}

	fmt.Println("account:", genesis.Account)
	fmt.Println("genesis:", genesis.Hash())
	fmt.Println("blocks: ", l.BlockCount())
	return nil
}
