package commands

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

// ShowConfigCmd 打印合并后的最终配置
var ShowConfigCmd = &cobra.Command{
	Use:     "show-config",
	Aliases: []string{"show_config"},
	Short:   "Show the effective configuration",
	PreRun:  deprecateSnakeCase,
	RunE: func(cmd *cobra.Command, args []string) error {
		bz, err := jsoniter.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(bz))
		return nil
	},
}
