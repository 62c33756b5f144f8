package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "lattice_consensus/cmd/commands"
	cfg "lattice_consensus/config"
	nm "lattice_consensus/node"
)

func main() {
	rootCmd := cmd.RootCmd

	// 需要自定义存储或签名方式时可替换DefaultNewNode
	nodeFunc := nm.DefaultNewNode

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.InitLedgerCmd,
		cmd.GenNodeKeyCmd,
		cmd.ShowNodeIDCmd,
		cmd.GenRepKeyCmd,
		cmd.ShowConfigCmd,
		cmd.CementCmd,
		cmd.VersionCmd,
		cmd.NewRunNodeCmd(nodeFunc),
		cli.NewCompletionCmd(rootCmd, true),
	)

	c := cli.PrepareBaseCmd(rootCmd, "LATTICE", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultLatticeDir)))
	if err := c.Execute(); err != nil {
		panic(err)
	}
}
