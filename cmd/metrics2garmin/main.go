package main

import (
	"fmt"
	"os"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/commands"
)

var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
