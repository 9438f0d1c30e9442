package config

import (
	"strings"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

func parseLevel(s string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return logrus.InfoLevel, errors.NotValidf("log.level=%q", s)
	}
	return lvl, nil
}

// ConfigureLogging applies level and format to the standard logrus logger.
func ConfigureLogging(c LogConfig) error {
	lvl, err := parseLevel(c.Level)
	if err != nil {
		return err
	}
	switch c.Format {
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case FormatText, "":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		return errors.NotValidf("log.format=%q", c.Format)
	}
	logrus.SetLevel(lvl)
	return nil
}
