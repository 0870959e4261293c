package main

import "subaccount-core/cmd/subaccount-cli/cmd"

func main() {
	cmd.Execute()
}
