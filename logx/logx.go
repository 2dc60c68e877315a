// Package logx is the default collab.Logger implementation: log.Printf
// lines tagged with a bracketed severity ([INFO], [DEBUG], [ERROR]).
package logx

import "log"

// Std logs through the standard library logger with bracketed tags.
type Std struct{}

func (Std) Info(format string, args ...any) {
	log.Printf("[INFO]\t"+format, args...)
}

func (Std) Debug(format string, args ...any) {
	log.Printf("[DEBUG]\t"+format, args...)
}

func (Std) Trace(format string, args ...any) {
	log.Printf("[TRACE]\t"+format, args...)
}

func (Std) Error(format string, args ...any) {
	log.Printf("[ERROR]\t"+format, args...)
}
