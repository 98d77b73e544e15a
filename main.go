package main

import (
	"log"
	"os"

	"github.com/WoCha-FR/ocpp-proxy-alert/proxy"
)

func main() {

	system, err := proxy.NewSystem()
	if err != nil {
		log.Println("proxy initialization failed;", err)
		os.Exit(1)
	}
	if err = system.Start(); err != nil {
		log.Println("proxy terminated;", err)
		os.Exit(1)
	}

}
