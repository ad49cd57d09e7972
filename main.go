package main

import (
	"os"

	"heartbeatmonitor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
