// Package build holds values injected at link time.
package build

// Version is replaced with release tag using -ldflags "-X".
var Version = "0.0.0"
