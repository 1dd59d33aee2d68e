/*
 * MIT License
 *
 * Copyright (c) 2025 relayd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package listener

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveBindAddrs turns host (possibly empty for the wildcard, possibly
// an IPv6 literal without brackets or a name) and port into the set of
// concrete addresses to bind, honoring family.
func resolveBindAddrs(host string, port int, family AddrFamily) ([]net.IP, error) {
	if host == "" {
		var ips []net.IP
		if family != AddrFamilyIPv6 {
			ips = append(ips, net.IPv4zero)
		}
		if family != AddrFamilyIPv4 {
			ips = append(ips, net.IPv6unspecified)
		}
		return ips, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if !addrMatchesFamily(ip, family) {
			return nil, fmt.Errorf("address %s does not match requested protocol family", host)
		}
		return []net.IP{ip}, nil
	}

	resolved, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, ip := range resolved {
		if addrMatchesFamily(ip, family) {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no address for %s matches requested protocol family", host)
	}
	return ips, nil
}

func addrMatchesFamily(ip net.IP, family AddrFamily) bool {
	isV4 := ip.To4() != nil
	switch family {
	case AddrFamilyIPv4:
		return isV4
	case AddrFamilyIPv6:
		return !isV4
	default:
		return true
	}
}

// bind creates a nonblocking stream socket for ip:port, sets SO_REUSEADDR
// (and IPV6_V6ONLY for AF_INET6), binds and listens with a backlog of 8.
func bind(ip net.IP, port int) (int, error) {
	v4 := ip.To4()
	domain := unix.AF_INET6
	if v4 != nil {
		domain = unix.AF_INET
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}

	var sa unix.Sockaddr
	if v4 != nil {
		addr := unix.SockaddrInet4{Port: port}
		copy(addr.Addr[:], v4)
		sa = &addr
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			_ = unix.Close(fd)
			return 0, err
		}
		addr := unix.SockaddrInet6{Port: port}
		copy(addr.Addr[:], ip.To16())
		sa = &addr
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// sockaddrToNetAddr converts a raw getpeername(2) result into a net.Addr
// good enough for logging, blacklisting and reverse DNS.
func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
