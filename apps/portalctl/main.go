package main

import (
	"log"
	"os"

	"github.com/trezcool/unihub/core"
	logsvc "github.com/trezcool/unihub/services/logger"
)

func main() {
	conf := core.NewConfig()
	stdLogger := log.New(os.Stderr, "PORTALCTL : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)

	cli := &commandLine{
		conf:   conf,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	defer cli.close()

	if err := cli.rootCmd().Execute(); err != nil {
		cli.close()
		os.Exit(1)
	}
}
