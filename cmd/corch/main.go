package main

import (
	"os"

	"github.com/iambrandonn/corch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
