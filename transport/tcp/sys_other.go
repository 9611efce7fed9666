//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

// File: transport/tcp/sys_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platforms without a readiness reactor (windows IOCP probes cannot drive a
// raw socket handle here).

package tcp

import (
	"net"

	"github.com/momentics/hioload-h2/api"
)

func isWouldBlock(error) bool           { return false }
func isInterrupted(error) bool          { return false }
func isAborted(error) bool              { return false }
func sysRead(int, []byte) (int, error)  { return 0, api.ErrNotSupported }
func sysWrite(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func sysClose(int) error                { return nil }
func sysShutdownWrite(int) error        { return api.ErrNotSupported }

func sysConnect(*net.TCPAddr) (int, bool, error) { return -1, false, api.ErrNotSupported }

func sysConnectResult(int) (bool, error) { return false, api.ErrNotSupported }

func sysListen(*net.TCPAddr, int) (int, net.Addr, error) { return -1, nil, api.ErrNotSupported }

func sysAccept(int) (int, error) { return -1, api.ErrNotSupported }

func sysAddrs(int) (net.Addr, net.Addr) { return nil, nil }
