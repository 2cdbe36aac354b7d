package main

import "github.com/Bridge-Gate/Bridgegate/cmd/bridge-gate/cmd"

func main() {
	cmd.Execute()
}
