// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command drtio-ctl supervises the DRTIO daemons and gives the operator
// an interactive console. Daemons are restarted under pmon monitoring
// and unexpected exits raise a mail alert.
package main // import "github.com/QuantumQuadrate/madmax-artiq-zynq/cmd/drtio-ctl"

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"github.com/sbinet/pmon"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		mast  = flag.String("mast", "drtio-mast", "master daemon command, with arguments")
		satd  = flag.String("satd", "", "comma-separated satellite daemon commands, with arguments")
		dir   = flag.String("dir", "/var/log/drtio", "directory for daemon and pmon logs")
		doMon = flag.Bool("pmon", true, "enable pmon monitoring")
		freq  = flag.Duration("freq", 1*time.Second, "pmon sampling frequency")
	)

	flag.Parse()

	log.SetPrefix("drtio-ctl: ")
	log.SetFlags(0)

	sup := newSupervisor(*dir, *doMon, *freq)
	if *mast != "" {
		sup.add(*mast)
	}
	for _, cmd := range strings.Split(*satd, ",") {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			sup.add(cmd)
		}
	}

	err := sup.startAll()
	if err != nil {
		log.Fatalf("%+v", err)
	}

	repl(sup)
	sup.stopAll()
}

type proc struct {
	name string
	args []string

	cmd  *exec.Cmd
	mon  *pmon.Process
	quit bool // stop was requested, exit is expected
}

type supervisor struct {
	mu    sync.Mutex
	procs map[string]*proc
	order []string

	dir    string
	doMon  bool
	freq   time.Duration
	alerts map[string]int
}

func newSupervisor(dir string, doMon bool, freq time.Duration) *supervisor {
	return &supervisor{
		procs:  make(map[string]*proc),
		dir:    dir,
		doMon:  doMon,
		freq:   freq,
		alerts: make(map[string]int),
	}
}

func (sup *supervisor) add(cmdline string) {
	words := strings.Fields(cmdline)
	name := filepath.Base(words[0])
	sup.procs[name] = &proc{name: words[0], args: words[1:]}
	sup.order = append(sup.order, name)
}

func (sup *supervisor) startAll() error {
	for _, name := range sup.order {
		if err := sup.start(name); err != nil {
			return err
		}
	}
	return nil
}

func (sup *supervisor) stopAll() {
	names := make([]string, len(sup.order))
	copy(names, sup.order)
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		if err := sup.stop(name); err != nil {
			log.Printf("could not stop %q: %+v", name, err)
		}
	}
}

func (sup *supervisor) start(name string) error {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	p, ok := sup.procs[name]
	if !ok {
		return fmt.Errorf("unknown daemon %q", name)
	}
	if p.cmd != nil && p.cmd.ProcessState == nil {
		return fmt.Errorf("daemon %q already running", name)
	}

	out, err := os.Create(filepath.Join(sup.dir, name+".log"))
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", name, err)
	}

	p.quit = false
	p.cmd = exec.Command(p.name, p.args...)
	p.cmd.Stdout = out
	p.cmd.Stderr = out

	log.Printf("starting %q...", name)
	err = p.cmd.Start()
	if err != nil {
		out.Close()
		return fmt.Errorf("could not start %q: %w", name, err)
	}

	if sup.doMon {
		mon, err := pmon.Monitor(p.cmd.Process.Pid)
		if err != nil {
			log.Printf("could not start monitoring %q (pid=%d): %+v", name, p.cmd.Process.Pid, err)
		} else {
			f, err := os.Create(filepath.Join(sup.dir, name+"-pmon.log"))
			if err != nil {
				log.Printf("could not create pmon log file for %q: %+v", name, err)
			} else {
				mon.W = f
				mon.Freq = sup.freq
				p.mon = mon
				go func() {
					defer f.Close()
					if err := mon.Run(); err != nil {
						log.Printf("could not monitor %q: %+v", name, err)
					}
				}()
			}
		}
	}

	go sup.watch(p, out)
	return nil
}

// watch reaps the daemon and alerts when the exit was not requested.
func (sup *supervisor) watch(p *proc, out *os.File) {
	err := p.cmd.Wait()
	out.Close()

	sup.mu.Lock()
	defer sup.mu.Unlock()
	if p.mon != nil {
		_ = p.mon.Kill()
		p.mon = nil
	}
	if p.quit {
		return
	}
	name := filepath.Base(p.name)
	log.Printf("daemon %q exited unexpectedly: %v", name, err)
	sup.alert(name, err)
}

func (sup *supervisor) stop(name string) error {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	p, ok := sup.procs[name]
	if !ok {
		return fmt.Errorf("unknown daemon %q", name)
	}
	if p.cmd == nil || p.cmd.ProcessState != nil {
		return nil
	}

	log.Printf("stopping %q...", name)
	p.quit = true
	err := p.cmd.Process.Signal(os.Interrupt)
	if err != nil {
		return fmt.Errorf("could not stop %q: %w", name, err)
	}
	return nil
}

func (sup *supervisor) status() []string {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	var lines []string
	for _, name := range sup.order {
		p := sup.procs[name]
		state := "stopped"
		switch {
		case p.cmd == nil:
		case p.cmd.ProcessState == nil:
			state = fmt.Sprintf("running (pid=%d)", p.cmd.Process.Pid)
		default:
			state = p.cmd.ProcessState.String()
		}
		lines = append(lines, fmt.Sprintf("%-12s %s", name, state))
	}
	return lines
}

func repl(sup *supervisor) {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	history := filepath.Join(os.TempDir(), ".drtio-ctl.history")
	if f, err := os.Open(history); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(history)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("drtio> ")
		switch err {
		case nil:
		case liner.ErrPromptAborted, io.EOF:
			fmt.Println()
			return
		default:
			log.Printf("could not read command: %+v", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		words := strings.Fields(line)
		switch words[0] {
		case "status":
			for _, s := range sup.status() {
				fmt.Println(s)
			}
		case "start":
			if len(words) != 2 {
				fmt.Println("usage: start <daemon>")
				continue
			}
			if err := sup.start(words[1]); err != nil {
				log.Printf("%+v", err)
			}
		case "stop":
			if len(words) != 2 {
				fmt.Println("usage: stop <daemon>")
				continue
			}
			if err := sup.stop(words[1]); err != nil {
				log.Printf("%+v", err)
			}
		case "restart":
			if len(words) != 2 {
				fmt.Println("usage: restart <daemon>")
				continue
			}
			if err := sup.stop(words[1]); err != nil {
				log.Printf("%+v", err)
				continue
			}
			time.Sleep(1 * time.Second)
			if err := sup.start(words[1]); err != nil {
				log.Printf("%+v", err)
			}
		case "help":
			fmt.Println("commands: status, start <daemon>, stop <daemon>, restart <daemon>, quit")
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q (try \"help\")\n", words[0])
		}
	}
}

func (sup *supervisor) alert(name string, cause error) {
	sup.alerts[name]++

	const maxAlerts = 5
	if sup.alerts[name] < maxAlerts {
		sup.alertMail(name, cause)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func (sup *supervisor) alertMail(name string, cause error) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[drtio-ctl] daemon alert: %q", name))
	msg.SetBody("text/plain", fmt.Sprintf("daemon: %q\ncause: %v\ntime: %v",
		name, cause, time.Now().UTC(),
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
