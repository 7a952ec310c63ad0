package main

import "ticket-price-alerts/internal/cli"

func main() {
	cli.Execute()
}
