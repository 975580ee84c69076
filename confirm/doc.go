// Package confirm tracks delivery confirmations for messages that require
// an acknowledgment.
//
// A Tracker arms one timer per message ID. The record resolves exactly once:
// either Confirm is called before the deadline and the handler receives an
// EventConfirmed, or the timer fires and the handler receives an
// EventTimeout. Removal from the pending map under the tracker mutex is the
// single decision point, so a late Confirm racing a firing timer is a no-op.
//
// # Basic Usage
//
//	tr := confirm.New(confirm.WithHandler(func(ev confirm.Event) {
//	    log.Printf("%s %s", ev.Type, ev.Record.MessageID)
//	}))
//	defer tr.Close()
//
//	tr.Arm(msg.ID, msg.From, msg.To, 30*time.Second)
//	// ... recipient acknowledges ...
//	tr.Confirm(msg.ID)
//
// A timeout is advisory. The tracker never resends. Close stops every
// pending timer without emitting events.
package confirm
