package main

import "github.com/ideamans/authsession/cmd/authsession/cmd"

func main() {
	cmd.Execute()
}
