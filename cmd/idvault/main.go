package main

import "github.com/jmcleod/idvault/cmd/idvault/cmd"

func main() {
	cmd.Execute()
}
