package main

import "github.com/andresmejia3/rollcall/cmd"

func main() {
	cmd.Execute()
}
