package cmd

import (
	"fmt"

	"github.com/SimonCahill/isotpp/payload"
	"github.com/SimonCahill/isotpp/tp"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "decode <frame>...",
		Short:   "Decode raw CAN data fields as ISO-TP frames",
		Example: `  isotpctl decode "10 09 01 02 03 04 05 06" 30000000`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, arg := range args {
				data, err := payload.ParseHex(arg)
				if err != nil {
					return err
				}
				f, err := tp.DecodeBytes(data)
				if err != nil {
					fmt.Fprintf(out, "% X\t%v (%s)\n", data, err, tp.CodeOf(err))
					continue
				}
				fmt.Fprintf(out, "% X\t%s\n", data, f)
			}
			return nil
		},
	}
}
