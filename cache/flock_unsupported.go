//go:build plan9 || js || wasip1

package cache

const flockSupported = false
