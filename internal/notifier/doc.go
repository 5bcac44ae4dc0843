// Package notifier delivers reminder pushes to the elder and escalations to
// the caregiver.
//
// # Recipients
//
// Recipients come from the task: the elder's device for pushes, the
// caregiver's phone (SMS) and email for escalations. An escalation succeeds
// only when every configured caregiver channel succeeded; channels that
// already went out for the same reminder and reason are skipped on retry.
//
// # Transport
//
// Messages are handed to a Transport. The log transport writes a structured
// log line; the outbox transport appends JSON lines to a file that an
// external relay (SMS gateway, mail, push service) consumes.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recent messages, including failed ones.
package notifier
