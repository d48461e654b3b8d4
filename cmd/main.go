package main

import "github.com/luo-one/mailsync/internal/cli"

func main() {
	cli.Execute()
}
