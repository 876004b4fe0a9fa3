// Package contracts defines the data structures shared by publishers,
// consumers, and business handlers: the message envelope, the
// well-known header names, and the handler outcome contract.
package contracts
