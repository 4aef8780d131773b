package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes notifications to the log. It is used when no MQTT
// broker is configured.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier returns a notifier logging at warning level.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, id, title, message string) error {
	if title == "" {
		return nil
	}
	n.logger.WithFields(logrus.Fields{
		"notification_id": id,
		"title":           title,
	}).Warn(message)
	return nil
}
