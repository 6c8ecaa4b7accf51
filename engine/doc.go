// Package engine wraps one Lua interpreter together with the state the
// automation runtime keeps per interpreter: which callbacks the script
// defines, the last error, buffered print output and the watchdog.
//
// An engine belongs to the goroutine that created it. Values cross between
// engines only as [marshal.Value] copies.
//
// Every invocation runs under the [Watchdog]. The interpreter checks the
// watchdog before each instruction, so a runaway script fails with
// [ErrWatchdogTimeout] shortly after its budget. Only that invocation
// unwinds; the engine stays usable.
package engine
