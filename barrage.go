// Copyright 2014 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command barrage is an HTTP/1.1 load generator driven by a JSON
// request file.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bpowers/barrage/config"
	"github.com/bpowers/barrage/requester"
	"github.com/bpowers/barrage/resolver"
)

var (
	cookies      = flag.Bool("cookies", false, "")
	duration     = flag.Int("duration", 60, "")
	requestFile  = flag.String("request-file", "", "")
	responseFile = flag.String("response-file", "", "")
	quiet        = flag.Bool("quiet", false, "")
	rampUp       = flag.Int("ramp-up", 0, "")
	sslVersion   = flag.Int("ssl-version", 0, "")
	threads      = flag.Int("threads", runtime.NumCPU(), "")
	version      = flag.Bool("version", false, "")
)

var usage = `Usage: barrage [options...]

Options:
  --request-file   JSON file describing the client connections to run.
                   Required.
  --duration       Test duration in seconds. Default is 60.
  --threads        Number of worker threads.
                   (default for current machine is %d)
  --ramp-up        Window in seconds over which workers and connections
                   are started. Default is 0 (all at once).
  --cookies        Echo Set-Cookie values back on subsequent requests.
  --response-file  Write one record per response to this file.
  --ssl-version    TLS protocol floor: 0 auto, 1 SSLv3, 2 TLS1.0,
                   3 TLS1.1, 4 TLS1.2. Default is 0.
  --quiet          Suppress the live progress line.
  --version        Print the version and exit.

Nameservers are taken from NAMESERVER1, NAMESERVER2, ... when set,
/etc/resolv.conf otherwise.
`

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, runtime.NumCPU())
	}
	flag.Parse()

	if *version {
		fmt.Printf("barrage %s\n", requester.Version)
		return
	}
	if *requestFile == "" {
		usageAndExit("--request-file is required.")
	}
	if *sslVersion < 0 || *sslVersion > 4 {
		usageAndExit("--ssl-version must be in 0..4.")
	}
	if *duration <= 0 {
		usageAndExit("--duration must be positive.")
	}
	if *quiet {
		logrus.SetLevel(logrus.ErrorLevel)
	}

	reqs, err := config.Load(*requestFile)
	if err != nil {
		logrus.Fatalf("loading %s: %v", *requestFile, err)
	}

	templates := make([]*requester.Template, 0, len(reqs))
	for i, r := range reqs {
		t, err := requester.NewTemplate(r, i, resolver.Lookup)
		if err != nil {
			logrus.Fatalf("request %d: %v", i, err)
		}
		templates = append(templates, t)
	}

	w := &requester.Work{
		Templates:  templates,
		Threads:    *threads,
		Duration:   time.Duration(*duration) * time.Second,
		RampUp:     time.Duration(*rampUp) * time.Second,
		Cookies:    *cookies,
		Quiet:      *quiet,
		SSLVersion: *sslVersion,
	}
	if *responseFile != "" {
		f, err := os.Create(*responseFile)
		if err != nil {
			logrus.Errorf("opening %s: %v, falling back to stdout", *responseFile, err)
			w.ResponseWriter = os.Stdout
		} else {
			defer f.Close()
			w.ResponseWriter = f
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		w.Stop()
	}()

	w.Run()
}

func usageAndExit(msg string) {
	if msg != "" {
		fmt.Fprint(os.Stderr, msg)
		fmt.Fprint(os.Stderr, "\n\n")
	}
	flag.Usage()
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}
