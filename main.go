package main

import (
	"fmt"
	"os"

	"BatteryManager6813/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "BatteryManager6813 Error: %s.\n", err)
		os.Exit(1)
	}
}
