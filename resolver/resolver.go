// Copyright 2020 The barrage Authors. All rights reserved.
// Use of this source code is governed by the Apache License,
// Version 2.0, that can be found in the LICENSE file.

// Package resolver turns host/port pairs into socket addresses. Results
// are memoized for the lifetime of the process; all lookups happen at
// config-load time, before any worker starts.
package resolver

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

var (
	mu    sync.Mutex
	cache = map[string]*net.TCPAddr{}

	nsOnce      sync.Once
	nameservers []string
)

// Nameservers returns the resolver's nameserver list: the NAMESERVER1,
// NAMESERVER2, ... environment variables if set, the system resolv.conf
// otherwise, localhost as a last resort.
func Nameservers() []string {
	nsOnce.Do(func() {
		for i := 1; ; i++ {
			ns := os.Getenv("NAMESERVER" + strconv.Itoa(i))
			if ns == "" {
				break
			}
			nameservers = append(nameservers, withDNSPort(ns))
		}
		if len(nameservers) > 0 {
			return
		}
		if conf, err := dns.ClientConfigFromFile(resolvConf); err == nil {
			for _, ns := range conf.Servers {
				nameservers = append(nameservers, net.JoinHostPort(ns, conf.Port))
			}
		}
		if len(nameservers) == 0 {
			nameservers = []string{"127.0.0.1:53"}
		}
	})
	return nameservers
}

func withDNSPort(ns string) string {
	if _, _, err := net.SplitHostPort(ns); err == nil {
		return ns
	}
	return net.JoinHostPort(ns, "53")
}

// Lookup resolves host to a TCP address with the given port. Literal IP
// addresses bypass DNS entirely.
func Lookup(host string, port int) (*net.TCPAddr, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))

	mu.Lock()
	defer mu.Unlock()
	if addr, ok := cache[key]; ok {
		return addr, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		addr := &net.TCPAddr{IP: ip, Port: port}
		cache[key] = addr
		return addr, nil
	}

	ip, err := query(host)
	if err != nil {
		return nil, err
	}
	addr := &net.TCPAddr{IP: ip, Port: port}
	cache[key] = addr
	return addr, nil
}

func query(host string) (net.IP, error) {
	c := new(dns.Client)
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		for _, ns := range Nameservers() {
			in, _, err := c.Exchange(m, ns)
			if err != nil {
				lastErr = err
				continue
			}
			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					return a.A, nil
				case *dns.AAAA:
					return a.AAAA, nil
				}
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, lastErr)
	}
	return nil, fmt.Errorf("resolving %s: no address records", host)
}
