package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"

	cfg "lattice_consensus/config"
	"lattice_consensus/privval"
)

var withRepKey bool

func init() {
	InitFilesCmd.Flags().BoolVar(&withRepKey, "rep", false, "also generate a representative voting key")
}

// InitFilesCmd 初始化节点目录：node key以及可选的代表密钥
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a lattice node home directory",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	if err := tmos.EnsureDir(filepath.Dir(config.NodeKeyFile()), 0700); err != nil {
		return err
	}
	if err := tmos.EnsureDir(config.DBPath(), 0700); err != nil {
		return err
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	if withRepKey {
		repKeyFile := config.RepKeyFile()
		existed := tmos.FileExists(repKeyFile)
		pv, err := privval.LoadOrGenFilePV(repKeyFile)
		if err != nil {
			return err
		}
		if existed {
			logger.Info("Found representative key", "path", repKeyFile, "account", pv.Account())
		} else {
			logger.Info("Generated representative key", "path", repKeyFile, "account", pv.Account())
		}
	}
	return nil
}
