//go:build windows

package main

import "os"

// Windows has no SIGWINCH. The console keeps its initial size.
func notifyResize(ch chan<- os.Signal) {}
