package main

import "github.com/coti-io/price-service/internal/cli"

func main() {
	cli.Execute()
}
