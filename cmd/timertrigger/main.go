package main

import (
	"os"

	logx "timertrigger/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logx.NewConsole("info").Error("command failed", logx.Err(err))
		os.Exit(1)
	}
}
