package main

import "github.com/q-controller/shotbox/src/shotboxd/cmd"

func main() {
	cmd.Execute()
}
