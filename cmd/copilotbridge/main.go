package main

import (
	"os"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
