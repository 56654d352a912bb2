package main

import "github.com/javking07/toadrunner/cmd"

func main() {
	cmd.Execute()
}
