// Package logx is the thin zerolog wrapper used throughout the service:
// console output stays human readable, the optional file sink stays JSON,
// and the level and sinks can be swapped at runtime via Service.Apply when
// the config file changes.
package logx
