// Package version хранит сведения о сборке, заполняемые через -ldflags.
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Service — имя сервиса в логах и health-ответах.
const Service = "marketplace"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

// Version возвращает только версию сборки.
func Version() string { return version }

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", Service, version, commit, date)
}

// Fields возвращает поля сборки для стартового лога.
func Fields() log.Fields {
	return log.Fields{
		"service": Service,
		"version": version,
		"commit":  commit,
		"built":   date,
	}
}
