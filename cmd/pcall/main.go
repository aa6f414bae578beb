package main

import "github.com/rudransh-shrivastava/peer-call/internal/client/cmd"

func main() {
	cmd.Execute()
}
