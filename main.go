package main

import "github.com/agentic-research/relexec/cmd"

func main() {
	cmd.Execute()
}
