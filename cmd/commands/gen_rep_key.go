package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"lattice_consensus/privval"
)

// GenRepKeyCmd 生成本节点作为代表投票使用的密钥
var GenRepKeyCmd = &cobra.Command{
	Use:     "gen-rep-key",
	Aliases: []string{"gen_rep_key"},
	Short:   "Generate a representative voting key and print its account",
	PreRun:  deprecateSnakeCase,
	RunE:    genRepKey,
}

func genRepKey(cmd *cobra.Command, args []string) error {
	repKeyFile := config.RepKeyFile()
	if tmos.FileExists(repKeyFile) {
		return fmt.Errorf("representative key at %s already exists", repKeyFile)
	}

	pv := privval.GenFilePV(repKeyFile)
	if err := pv.Save(); err != nil {
		return err
	}
	fmt.Println(pv.Account())
	return nil
}
