// Package tasksource provides the care tasks the scheduler expands: an
// in-memory source for embedding and tests, and a file source (YAML or JSON)
// that is watched for edits and reports which task ids changed.
package tasksource
