// Package notify sends desktop alerts through the freedesktop notification
// service, falling back to the notify-send binary when the bus call fails.
// Every alert is also logged so the operator has a local record even when the
// desktop surface is unavailable.
package notify

import (
	"fmt"
	"os/exec"

	"github.com/godbus/dbus"
	"github.com/sirupsen/logrus"
)

const (
	dbusName     = "org.freedesktop.Notifications"
	dbusPath     = "/org/freedesktop/Notifications"
	notifyMethod = dbusName + ".Notify"

	appName      = "ups-hat-monitor"
	lowIcon      = "battery-low"
	criticalIcon = "battery-caution"

	urgencyNormal   = byte(1)
	urgencyCritical = byte(2)

	lowTimeoutMS = 2000 // transient alerts auto dismiss
	noTimeout    = 0    // critical alerts stay up until dismissed
)

// Notifier dispatches alerts in two classes, transient and critical.
type Notifier struct {
	log *logrus.Logger
}

func NewNotifier(log *logrus.Logger) *Notifier {
	return &Notifier{log: log}
}

// Low sends a short lived, auto dismissing notification.
func (n *Notifier) Low(title, body string) {
	n.log.Infof("%s: %s", title, body)
	if err := send(title, body, lowIcon, urgencyNormal, lowTimeoutMS); err != nil {
		n.log.Warnf("Desktop notification failed: %v", err)
	}
}

// Critical sends a persistent notification with critical urgency.
func (n *Notifier) Critical(title, body string) {
	n.log.Warnf("%s: %s", title, body)
	if err := send(title, body, criticalIcon, urgencyCritical, noTimeout); err != nil {
		n.log.Warnf("Desktop notification failed: %v", err)
	}
}

func send(title, body, icon string, urgency byte, timeoutMS int32) error {
	dbusErr := sendDBus(title, body, icon, urgency, timeoutMS)
	if dbusErr == nil {
		return nil
	}
	cmd := exec.Command("notify-send", notifySendArgs(title, body, icon, urgency, timeoutMS)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dbus: %v, notify-send: %v\n%s", dbusErr, err, out)
	}
	return nil
}

func sendDBus(title, body, icon string, urgency byte, timeoutMS int32) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return err
	}
	obj := conn.Object(dbusName, dbusPath)
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)}
	return obj.Call(notifyMethod, 0, appName, uint32(0), icon, title, body,
		[]string{}, hints, timeoutMS).Err
}

func notifySendArgs(title, body, icon string, urgency byte, timeoutMS int32) []string {
	args := []string{"-i", icon}
	if urgency == urgencyCritical {
		args = append(args, "--urgency=critical")
	} else {
		args = append(args, "-t", fmt.Sprint(timeoutMS))
	}
	return append(args, title, body)
}
