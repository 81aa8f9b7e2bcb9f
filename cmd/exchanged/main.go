package main

import "github.com/polarsignals/exchange/cmd/exchanged/cmd"

func main() {
	cmd.Execute()
}
