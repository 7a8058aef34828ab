package main

import "github.com/calderadb/calrpc/cmd"

func main() {
	cmd.Execute()
}
