package main

import "github.com/khushsharma-rampinfotech/whatsapp-service/internal/cli"

func main() {
	cli.Execute()
}
