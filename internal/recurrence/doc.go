// Package recurrence turns a caregiver's schedule selection into a canonical
// Rule and expands rules into concrete occurrence instants.
//
// Rules are wall-clock values: a date, a time of day and the recurrence
// fields. The timezone is supplied at expansion time, so the same rule keeps
// its local time across DST transitions.
//
// Period stepping is delegated to rrule-go over floating (zone-less) times;
// each wall-clock occurrence is then resolved in the target zone:
//   - a time inside a spring-forward gap moves forward by the gap length
//   - a time inside a fall-back overlap takes the earlier instant
package recurrence
