package main

import "github.com/ramiqadoumi/go-bgrunner/services/agent/cli"

func main() {
	cli.Execute()
}
