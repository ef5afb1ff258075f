// Package domain contains the core business entities and value objects of the
// application: statistics tasks and their state machine, execution
// configuration, normalized push events, and repository records. It is
// independent of any specific infrastructure or delivery mechanism.
package domain
