package main

import "github.com/cm64-studio/llmule-broker/cmd"

func main() {
	cmd.Execute()
}
