package main

import "realtime-service/internal/cli"

func main() {
	cli.Execute()
}
