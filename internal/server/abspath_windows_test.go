//go:build windows

package server

const absExecutable = `C:\srv\bots\alice\main.py`
