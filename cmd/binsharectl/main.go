package main

import (
	"os"

	"github.com/binshare/binshare/internal/ctl"
)

func main() {
	if err := ctl.Execute(); err != nil {
		os.Exit(1)
	}
}
