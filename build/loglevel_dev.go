//go:build dev
// +build dev

package build

// LogLevel is the level at which the stdout loggers of unit tests write.
var LogLevel = "debug"
