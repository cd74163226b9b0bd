package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/veritashealth/crp-app/crp/crpcli"
)

func main() {
	if err := crpcli.GetApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
