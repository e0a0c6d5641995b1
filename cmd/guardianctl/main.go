package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/TFMV/guardian/pkg/guardian/ctl"
)

func main() {
	_ = godotenv.Load()

	root := ctl.NewRootCommand(ctl.DefaultConfig())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
