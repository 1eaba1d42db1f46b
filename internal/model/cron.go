package model

import (
	"errors"
	"strings"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron checks a five field cron expression or a descriptor such as
// @hourly or @every 5m.
func ParseCron(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("empty cron expression")
	}
	_, err := cronParser.Parse(expr)
	return err
}
