// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
)

// Setup applies level and format. Unknown levels fall back to info.
func Setup(c config.Log) {
	log.SetOutput(os.Stderr)
	lvl, err := log.ParseLevel(strings.TrimSpace(c.Level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if strings.EqualFold(c.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
