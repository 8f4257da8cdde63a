package main

import "github.com/dogeorg/botdeploy/cmd/botctl/cmd"

func main() {
	cmd.Execute()
}
