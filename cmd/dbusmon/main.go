// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Command dbusmon is an interactive REPL for poking at a D-Bus bus: list
// names, introspect an object, call a method, or watch signals matching a
// rule. It is a companion tool, not part of the library; everything it
// does is reachable through the public dbus package alone.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kr/pretty"
	"github.com/peterh/liner"

	dbus "github.com/sandia-minimega/dbus"
	"github.com/sandia-minimega/dbus/internal/match"
)

var (
	f_system  = flag.Bool("system", false, "connect to the system bus instead of the session bus")
	f_address = flag.String("address", "", "connect to this address instead of resolving session/system")
)

const banner = `dbusmon -- interactive D-Bus inspector
commands:
  names                             list owned bus names
  introspect <dest> <path>          print an object's introspection XML
  call <dest> <path> <iface.Member> [args...]
                                    invoke a method, string arguments only
  monitor <match-rule>              print signals matching a rule until enter
  quit
`

func main() {
	flag.Parse()

	var conn *dbus.Conn
	var err error
	switch {
	case *f_address != "":
		conn, err = dbus.Dial(*f_address)
	case *f_system:
		conn, err = dbus.DialSystem()
	default:
		conn, err = dbus.DialSession()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dbusmon:", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Print(banner)

	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	for {
		line, err := input.Prompt(fmt.Sprintf("dbusmon:%s$ ", conn.UniqueName()))
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintln(os.Stderr, "dbusmon:", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if line == "quit" {
			break
		}

		if err := dispatch(conn, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func dispatch(conn *dbus.Conn, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "names":
		return cmdNames(conn)
	case "introspect":
		if len(fields) != 3 {
			return fmt.Errorf("usage: introspect <dest> <path>")
		}
		return cmdIntrospect(conn, fields[1], fields[2])
	case "call":
		if len(fields) < 4 {
			return fmt.Errorf("usage: call <dest> <path> <iface.Member> [args...]")
		}
		return cmdCall(conn, fields[1], fields[2], fields[3], fields[4:])
	case "monitor":
		if len(fields) < 2 {
			return fmt.Errorf("usage: monitor <match-rule>")
		}
		return cmdMonitor(conn, strings.Join(fields[1:], " "))
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func cmdNames(conn *dbus.Conn) error {
	names, err := conn.ListNames()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func cmdIntrospect(conn *dbus.Conn, dest, path string) error {
	call := conn.Object(dest, dbus.ObjectPath(path)).Call("org.freedesktop.DBus.Introspectable.Introspect", 0)
	var xmlStr string
	if err := call.Store(&xmlStr); err != nil {
		return err
	}
	fmt.Println(xmlStr)
	return nil
}

// cmdCall only accepts string arguments; a user who needs a non-string
// argument type is better served scripting against the dbus package
// directly than extending this REPL's argument grammar.
func cmdCall(conn *dbus.Conn, dest, path, method string, rawArgs []string) error {
	args := make([]interface{}, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = a
	}
	call := conn.Object(dest, dbus.ObjectPath(path)).Call(method, 0, args...)
	if call.Err != nil {
		return call.Err
	}
	out, err := call.Values()
	if err != nil {
		return err
	}
	pretty.Println(out)
	return nil
}

func cmdMonitor(conn *dbus.Conn, ruleStr string) error {
	r, err := match.Parse(ruleStr)
	if err != nil {
		return err
	}
	remove, err := conn.AddMatch(r, func(sig *dbus.Signal) {
		fmt.Printf("signal %s from %s at %s\n", sig.Name, sig.Sender, sig.Path)
	})
	if err != nil {
		return err
	}
	defer remove()

	fmt.Println("monitoring, press enter to stop")
	fmt.Scanln()
	return nil
}
