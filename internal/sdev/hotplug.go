package sdev

import (
	"github.com/s-urbaniak/uevent"
)

// HotplugEvent is a normalized kernel device-add notification, trimmed to
// what the registry cares about.
type HotplugEvent struct {
	DevicePath string
	DeviceName string
}

// WatchHotplug subscribes to kernel uevent notifications and emits one
// HotplugEvent per newly added block device: it filters for "add"-action,
// "block"-subsystem uevents, reporting storage devices that show up after
// the watcher has started. No server in this module calls it.
func WatchHotplug(events chan<- HotplugEvent, errs chan<- error) (stop func() error, err error) {
	r, err := uevent.NewReader()
	if err != nil {
		return nil, err
	}
	dec := uevent.NewDecoder(r)
	go func() {
		for {
			ev, err := dec.Decode()
			if err != nil {
				errs <- err
				return
			}
			if ev.Subsystem != "block" || ev.Action != "add" {
				continue
			}
			devname, ok := ev.Vars["DEVNAME"]
			if !ok {
				continue
			}
			events <- HotplugEvent{DevicePath: ev.Devpath, DeviceName: devname}
		}
	}()
	return r.Close, nil
}
