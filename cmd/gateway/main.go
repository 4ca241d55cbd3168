package main

import "github.com/labforge/gateway/cmd/gateway/cmd"

func main() {
	cmd.Execute()
}
