package main

import "github.com/AvaProtocol/safe4337/cmd"

func main() {
	cmd.Execute()
}
