// Package logx is a thin field-function wrapper over zerolog.
//
// A Service owns the sinks (console, a lumberjack-rotated JSON file and a
// rate-limited stderr mirror) and can be re-applied on config reload; every
// Logger derived from it follows the swap.
package logx
