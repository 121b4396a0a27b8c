//go:build !windows

package server

// absExecutable is an absolute, clean path accepted by submit.
const absExecutable = "/srv/bots/alice/main.py"
