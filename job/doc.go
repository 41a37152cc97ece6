// Package job defines the Job entity (a persisted unit of work with
// identity, type, priority, and state) together with its allowed state
// transitions and the persistence contract stores implement.
//
// A Job is created through the queue package and mutated only through its
// own transition methods, which validate the current state, persist the
// mutated document, and emit lifecycle events. Illegal transitions fail
// with a domain error and leave both memory and storage untouched.
package job
