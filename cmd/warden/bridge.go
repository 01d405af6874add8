// NATS bridge publishing the event stream for external subscribers.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
)

// setupEventBridge mirrors the event stream onto NATS when configured.
// Subjects are <subject_base>.<session_id> so subscribers can follow one
// session or wildcard across all of them.
func (rt *runtime) setupEventBridge() error {
	if rt.cfg.Events.NATSURL == "" {
		return nil
	}

	nc, err := nats.Connect(rt.cfg.Events.NATSURL, nats.Name("warden"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	rt.addCloser(func() { _ = nc.Drain() })

	base := rt.cfg.Events.SubjectBase
	if base == "" {
		base = "warden.events"
	}

	ch, cancel := rt.bus.Subscribe()
	rt.addCloser(cancel)
	go func() {
		for e := range ch {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			subject := base
			if e.SessionID != "" {
				subject += "." + e.SessionID
			}
			if err := nc.Publish(subject, data); err != nil {
				fmt.Fprintf(os.Stderr, "warning: event publish failed: %v\n", err)
				return
			}
		}
	}()

	fmt.Fprintf(os.Stderr, "Events: publishing to %s on %s\n", base, rt.cfg.Events.NATSURL)
	return nil
}
