// Package domain contains the core entities of the context processing engine:
// contexts and batch contexts, job definitions and their schedules, subject
// preferences, and the error taxonomy shared by every component.
//
// The package has no infrastructure dependencies. Persistence, transport and
// scheduling live in other packages and exchange these types.
package domain
