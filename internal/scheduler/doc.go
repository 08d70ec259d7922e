// Package scheduler turns job definitions into timed triggers and runs them
// through the batch processor.
//
// Static jobs get one trigger each. Preference jobs get one trigger per
// preference group of the current snapshot; the trigger set is rebuilt from
// scratch every cycle and swapped in whole, so readers never see a half
// updated set and a subject is never scheduled under two groups at once.
package scheduler
