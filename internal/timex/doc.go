// Package timex centralizes mealbot's time arithmetic: timezone-aware "now",
// HH:MM parsing, next-occurrence computation for recurring tasks, and
// registration window end times (which may cross midnight).
//
// All occurrence math goes through time.Date in the clock's location so DST
// transitions are handled by the standard library rather than by duration
// arithmetic.
package timex
