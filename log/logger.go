package log

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/veritashealth/crp-app/conf"
)

var (
	Engine     logrus.FieldLogger
	Workflow   logrus.FieldLogger
	Assignment logrus.FieldLogger
	Audit      logrus.FieldLogger
)

func init() {
	Engine = Logger(logrus.New(), conf.GetEnv("CRP_ENGINE_LOG"),
		"engine", conf.GetEnv("ENVIRONMENT"))
	Workflow = Logger(logrus.New(), conf.GetEnv("CRP_WORKFLOW_LOG"),
		"workflow", conf.GetEnv("ENVIRONMENT"))
	Assignment = Logger(logrus.New(), conf.GetEnv("CRP_ASSIGNMENT_LOG"),
		"assignment", conf.GetEnv("ENVIRONMENT"))
	Audit = Logger(logrus.New(), conf.GetEnv("CRP_AUDIT_LOG"),
		"audit", conf.GetEnv("ENVIRONMENT"))
}

func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	if outputFile != "" {
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment})
}
