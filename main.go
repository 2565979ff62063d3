package main

import (
	"github.com/Blaxat/VideoChat/cmd"
	"github.com/Blaxat/VideoChat/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
