package main

import (
	"os"

	batteryhistory "github.com/TheCacophonyProject/battery-history/internal/battery-history"
	"github.com/sirupsen/logrus"
)

var version = "<not set>"

func main() {
	if err := batteryhistory.Run(os.Args[1:], version); err != nil {
		logrus.Fatal(err)
	}
}
