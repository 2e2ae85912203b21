package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"BatteryManager6813/ltc6813"
	"github.com/spf13/cobra"
)

var pecFrame bool

var pecCmd = &cobra.Command{
	Use:   "pec <hex bytes>...",
	Short: "Compute the LTC6813 packet error code",
	Long: `Compute the PEC15 of the given bytes. Bytes may be split over several arguments and may
carry a 0x prefix, so "0x00 0x01", "00 01" and "0001" are the same command word.

With --frame the bytes are printed again followed by the PEC, high byte first, as they go on the
wire.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPEC,
}

func init() {
	pecCmd.Flags().BoolVar(&pecFrame, "frame", false, "Print the complete frame")
	rootCmd.AddCommand(pecCmd)
}

func parseHexArgs(args []string) ([]byte, error) {
	var data []byte
	for _, arg := range args {
		s := strings.TrimPrefix(strings.TrimPrefix(arg, "0x"), "0X")
		s = strings.ReplaceAll(s, ",", "")
		if len(s)%2 == 1 {
			s = "0" + s
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not hex: %w", arg, err)
		}
		data = append(data, b...)
	}
	return data, nil
}

func runPEC(cmd *cobra.Command, args []string) error {
	data, err := parseHexArgs(args)
	if err != nil {
		return err
	}
	pec := ltc6813.PEC15(data)
	if !pecFrame {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "0x%04X\n", pec)
		return err
	}
	frame := append(data, byte(pec>>8), byte(pec))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "% X\n", frame)
	return err
}
