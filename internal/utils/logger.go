package utils

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

func NewLogger(level string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = logrus.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger}
}

func (l *Logger) LogCertificateEvent(event string, fingerprint string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event":       event,
		"fingerprint": fingerprint,
		"type":        "certificate_audit",
	}

	for k, v := range details {
		fields[k] = v
	}

	l.WithFields(fields).Info("Certificate lifecycle event")
}

func (l *Logger) LogDeployEvent(actionType string, fingerprint string, success bool, details map[string]interface{}) {
	fields := logrus.Fields{
		"action_type": actionType,
		"fingerprint": fingerprint,
		"success":     success,
		"type":        "deploy_audit",
	}

	for k, v := range details {
		fields[k] = v
	}

	if success {
		l.WithFields(fields).Info("Deploy action completed")
	} else {
		l.WithFields(fields).Warn("Deploy action failed")
	}
}

func (l *Logger) LogError(err error, context string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"error":   err.Error(),
		"context": context,
		"type":    "error",
	}

	for k, v := range fields {
		logFields[k] = v
	}

	l.WithFields(logFields).Error("Application error")
}

func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
