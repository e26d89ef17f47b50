package main

import (
	"os"

	"github.com/stampedeproject/stampede/cmd/stampede/cmd"
	"github.com/stampedeproject/stampede/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
